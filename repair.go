package jlog

import (
	"fmt"

	"github.com/epokhe/jlog/internal/meta"
	"github.com/epokhe/jlog/internal/repair"
	"github.com/epokhe/jlog/internal/segment"
)

// repairMetastore is the repairFn meta.Store.Restore invokes when the
// metastore file has the wrong size or fails validation (a missing file
// already fails in meta.Open, before Restore runs). It rebuilds a
// fallback record from the segment files present on disk (spec §4.10
// step 2): storage_log = highest segment id found, unit_limit = 4 MiB,
// safety = ALMOST_SAFE, hdr_magic = uncompressed default.
func (ctx *Context) repairMetastore() (meta.Info, error) {
	_, latest, found, err := repair.Bounds(ctx.dir)
	if err != nil {
		return meta.Info{}, fmt.Errorf("jlog: repair metastore: %w", err)
	}
	if !found {
		latest = 0
	}

	info := repair.DefaultMetastore(latest)
	if err := repair.RewriteMetastore(ctx.metaPath(), info); err != nil {
		return meta.Info{}, fmt.Errorf("jlog: repair metastore: %w", err)
	}
	if ctx.log != nil {
		ctx.log.Warnw("metastore rebuilt from disk scan", "storage_log", info.StorageLog)
	}
	return info, nil
}

// Repair performs spec §4.10's out-of-band maintenance pass over the log
// directory: it rebuilds the metastore if damaged, clamps every
// subscriber's checkpoint into range and resyncs their segment's index,
// and — only when aggressive — additionally scrubs every segment's data
// file with RepairDatafile and discards its index so the next access
// rebuilds it from scratch. Safe to call on a directory with active
// readers, but an aggressive pass should only run with the writer (if
// any) quiesced, since it may truncate a segment a writer is appending to.
func Repair(dir string, aggressive bool) error {
	earliest, latest, found, err := repair.Bounds(dir)
	if err != nil {
		return fmt.Errorf("jlog: repair: %w", err)
	}
	if !found {
		return nil
	}

	metaPath := repair.MetaPath(dir)
	info, needsRepair := repair.MetastoreNeedsRepair(metaPath)
	if needsRepair {
		info = repair.DefaultMetastore(latest)
		if err := repair.RewriteMetastore(metaPath, info); err != nil {
			return fmt.Errorf("jlog: repair: %w", err)
		}
	}

	codecID, compressed := segment.CodecFromHdrMagic(info.HdrMagic)
	_ = codecID
	params := segment.Params{HdrMagic: info.HdrMagic, Compressed: compressed, StorageLog: latest}

	if _, err := repair.RepairCheckpoints(dir, earliest, latest, params); err != nil {
		return fmt.Errorf("jlog: repair: %w", err)
	}

	orphaned, err := repair.OrphanedSegments(dir, info.Safety == meta.Safe)
	if err != nil {
		return fmt.Errorf("jlog: repair: %w", err)
	}
	for _, log := range orphaned {
		if err := segment.Unlink(dir, log); err != nil {
			return fmt.Errorf("jlog: repair: unlink orphaned segment %08x: %w", log, err)
		}
	}

	if aggressive {
		if _, err := repair.RepairData(dir, earliest, latest, params); err != nil {
			return fmt.Errorf("jlog: repair: %w", err)
		}
	}
	return nil
}

// Repair runs the same maintenance pass as the package-level Repair
// against this context's directory.
func (ctx *Context) Repair(aggressive bool) error {
	if err := Repair(ctx.dir, aggressive); err != nil {
		return ctx.ctxErr(ErrFileCorrupt, err)
	}
	return nil
}
