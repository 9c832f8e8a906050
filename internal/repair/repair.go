// Package repair implements spec §4.10: metastore reconstruction,
// checkpoint fix-up, and (when aggressive) per-segment data scrubbing. It
// is the only place outside ordinary operation that mutates files to heal
// semantic corruption beyond an index rebuild.
package repair

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/epokhe/jlog/internal/atomicfile"
	"github.com/epokhe/jlog/internal/checkpoint"
	"github.com/epokhe/jlog/internal/meta"
	"github.com/epokhe/jlog/internal/segment"
)

var segmentNameRE = regexp.MustCompile(`^[0-9a-f]{8}$`)

// Bounds scans dir for 8-hex-digit segment files and returns the lowest
// and highest log ids present. found is false if no segment file exists.
func Bounds(dir string) (earliest, latest uint32, found bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, false, fmt.Errorf("repair: readdir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !segmentNameRE.MatchString(e.Name()) {
			continue
		}
		v, err := strconv.ParseUint(e.Name(), 16, 32)
		if err != nil {
			continue
		}
		log := uint32(v)
		if !found || log < earliest {
			earliest = log
		}
		if !found || log > latest {
			latest = log
		}
		found = true
	}
	return earliest, latest, found, nil
}

// DefaultMetastore builds the fallback metastore record spec §4.10 step 2
// prescribes: storage_log = latest, unit_limit = 4 MiB,
// safety = ALMOST_SAFE, hdr_magic = uncompressed default.
func DefaultMetastore(latest uint32) meta.Info {
	return meta.Info{
		StorageLog: latest,
		UnitLimit:  4 * 1024 * 1024,
		Safety:     meta.AlmostSafe,
		HdrMagic:   segment.MagicUncompressed,
	}
}

// RewriteMetastore atomically replaces the metastore file at path with info.
func RewriteMetastore(path string, info meta.Info) error {
	buf := make([]byte, meta.Size)
	binary.LittleEndian.PutUint32(buf[0:4], info.StorageLog)
	binary.LittleEndian.PutUint32(buf[4:8], info.UnitLimit)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(info.Safety))
	binary.LittleEndian.PutUint32(buf[12:16], info.HdrMagic)
	if err := atomicfile.Replace(path, buf, 0o644); err != nil {
		return fmt.Errorf("repair: rewrite metastore: %w", err)
	}
	return nil
}

// MetastoreNeedsRepair reports whether the file at path needs repair: it is
// unreadable, not exactly 16 bytes, or fails validation. When it does not,
// the decoded record is returned alongside false.
func MetastoreNeedsRepair(path string) (meta.Info, bool) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) != meta.Size {
		return meta.Info{}, true
	}
	info := meta.Info{
		StorageLog: binary.LittleEndian.Uint32(data[0:4]),
		UnitLimit:  binary.LittleEndian.Uint32(data[4:8]),
		Safety:     meta.Safety(binary.LittleEndian.Uint32(data[8:12])),
		HdrMagic:   binary.LittleEndian.Uint32(data[12:16]),
	}
	if err := info.Validate(); err != nil {
		return meta.Info{}, true
	}
	return info, false
}

// CheckpointFix describes one checkpoint file rewritten during repair.
type CheckpointFix struct {
	Subscriber string
	NewID      checkpoint.ID
}

// RepairCheckpoints rewrites every "cp.*" file whose length isn't exactly
// 8 bytes, or whose (log, marker) falls outside [earliest, latest], or
// past the resynced end of its segment, to the resynced end of the
// clamped segment (spec §4.10 step 3).
func RepairCheckpoints(dir string, earliest, latest uint32, p segment.Params) ([]CheckpointFix, error) {
	store := checkpoint.New(dir, false)
	names, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("repair: list checkpoints: %w", err)
	}

	var fixes []CheckpointFix
	for _, sub := range names {
		path := checkpoint.Path(dir, sub)
		info, statErr := os.Stat(path)
		malformed := statErr != nil || info.Size() != 8

		var id checkpoint.ID
		if !malformed {
			id, err = store.Get(sub)
			if err != nil {
				malformed = true
			}
		}

		clampedLog := id.Log
		if malformed || id.Log < earliest || id.Log > latest {
			clampedLog = latest
			malformed = true
		}

		p.StorageLog = latest
		res, rerr := segment.Resync(dir, clampedLog, p)
		if rerr != nil {
			// segment itself is unreadable; clamp to the resynced end of
			// the latest segment instead, and fail the repair pass only if
			// that segment cannot be resynced either.
			clampedLog = latest
			res, rerr = segment.Resync(dir, clampedLog, p)
			if rerr != nil {
				return fixes, fmt.Errorf("repair: resync %08x for checkpoint %q: %w", clampedLog, sub, rerr)
			}
			malformed = true
		}

		end := checkpoint.ID{Log: clampedLog, Marker: res.LastMarker}
		if !malformed && id.Log == clampedLog && id.Marker <= res.LastMarker {
			continue
		}

		if err := store.Repair(sub, end); err != nil {
			return fixes, fmt.Errorf("repair: rewrite checkpoint %q: %w", sub, err)
		}
		fixes = append(fixes, CheckpointFix{Subscriber: sub, NewID: end})
	}
	return fixes, nil
}

// DataRepairResult reports one segment's scrub outcome.
type DataRepairResult struct {
	Log            uint32
	InvalidRanges  int
	IndexDiscarded bool
}

// RepairData runs inspect+repair_datafile against every known segment and
// deletes its index afterward (spec §4.10 step 4, aggressive only).
func RepairData(dir string, earliest, latest uint32, p segment.Params) ([]DataRepairResult, error) {
	var results []DataRepairResult
	for log := earliest; log <= latest; log++ {
		if _, err := os.Stat(segment.DataPath(dir, log)); err != nil {
			continue
		}
		n, err := segment.RepairDatafile(dir, log, p.HdrMagic, p.Compressed)
		if err != nil {
			return results, fmt.Errorf("repair: data repair %08x: %w", log, err)
		}
		if n > 0 {
			_ = os.Remove(segment.IdxPath(dir, log))
			results = append(results, DataRepairResult{Log: log, InvalidRanges: n, IndexDiscarded: true})
		}
	}
	return results, nil
}

func metaPath(dir string) string { return filepath.Join(dir, "metastore") }

// MetaPath is exported so the root package doesn't need to know the
// metastore's filename independently.
func MetaPath(dir string) string { return metaPath(dir) }
