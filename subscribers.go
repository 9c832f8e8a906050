package jlog

import (
	"errors"
	"fmt"
	"os"

	"github.com/epokhe/jlog/internal/checkpoint"
	"github.com/epokhe/jlog/internal/meta"
	"github.com/epokhe/jlog/internal/repair"
	"github.com/epokhe/jlog/internal/segment"
)

// requireOpen rejects subscriber-management calls against a context that
// hasn't been through Init/OpenWriter/OpenReader yet, or that already
// failed into INVALID.
func (ctx *Context) requireOpen() error {
	if ctx.mode == modeNew || ctx.mode == modeInvalid {
		return ctx.ctxErr(ErrIllegalOpen, fmt.Errorf("operation requires an initialized log directory"))
	}
	return nil
}

// restoreMetaFresh opens and restores the metastore independently of
// ctx.metaStore, for helpers callable before open_writer/open_reader (spec
// §4.5's "transient reader" used by add_subscriber(END)).
func (ctx *Context) restoreMetaFresh() (meta.Info, error) {
	store, err := meta.Open(ctx.metaPath(), false)
	if err != nil {
		return meta.Info{}, err
	}
	defer store.Close()
	return store.Restore(true, ctx.repairMetastore)
}

// FirstLogID returns the id of the oldest record still present on disk
// (jlog_ctx_first_log_id).
func (ctx *Context) FirstLogID() (ID, error) {
	if err := ctx.requireOpen(); err != nil {
		return ID{}, err
	}
	earliest, _, found, err := repair.Bounds(ctx.dir)
	if err != nil {
		return ID{}, ctx.ctxErr(ErrFileCorrupt, err)
	}
	if !found {
		return ID{}, nil
	}
	return ID{Log: earliest, Marker: 1}, nil
}

// LastLogID returns the id of the most recently written record
// (jlog_ctx_last_log_id).
func (ctx *Context) LastLogID() (ID, error) {
	if err := ctx.requireOpen(); err != nil {
		return ID{}, err
	}
	info, err := ctx.restoreMetaFresh()
	if err != nil {
		return ID{}, ctx.ctxErr(ErrMetaOpen, err)
	}
	codecID, compressed := segment.CodecFromHdrMagic(info.HdrMagic)
	_ = codecID
	p := segment.Params{HdrMagic: info.HdrMagic, Compressed: compressed, StorageLog: info.StorageLog}

	res, rerr := segment.Resync(ctx.dir, info.StorageLog, p)
	if rerr != nil {
		return ID{}, ctx.ctxErr(ErrFileCorrupt, rerr)
	}
	return ID{Log: info.StorageLog, Marker: res.LastMarker}, nil
}

// AdvanceID returns the id immediately after cur (jlog_ctx_advance_id):
// the next marker in the same segment, or marker 1 of the next segment
// once cur sits at its segment's last record and a later segment exists.
func (ctx *Context) AdvanceID(cur ID) (ID, error) {
	if err := ctx.requireOpen(); err != nil {
		return ID{}, err
	}
	info, err := ctx.restoreMetaFresh()
	if err != nil {
		return ID{}, ctx.ctxErr(ErrMetaOpen, err)
	}
	codecID, compressed := segment.CodecFromHdrMagic(info.HdrMagic)
	_ = codecID
	p := segment.Params{HdrMagic: info.HdrMagic, Compressed: compressed, StorageLog: info.StorageLog}

	res, rerr := segment.Resync(ctx.dir, cur.Log, p)
	if rerr != nil {
		return ID{}, ctx.ctxErr(ErrFileCorrupt, rerr)
	}
	if cur.Marker < res.LastMarker {
		return ID{Log: cur.Log, Marker: cur.Marker + 1}, nil
	}
	if cur.Log < info.StorageLog {
		return ID{Log: cur.Log + 1, Marker: 1}, nil
	}
	return ID{}, ctx.ctxErr(ErrIllegalLogID, fmt.Errorf("no id after %+v", cur))
}

// AddSubscriber creates subscriber's checkpoint file (O_CREAT|O_EXCL).
// Begin positions it at the oldest segment, offset 0 (so the first read
// returns marker 1 of that segment); End positions it just past the last
// currently visible record, via the same disk scan LastLogID uses (spec
// §4.5: "opening a transient reader and calling read_interval").
func (ctx *Context) AddSubscriber(subscriber string, whence Position) error {
	if err := ctx.requireOpen(); err != nil {
		return err
	}

	var id ID
	switch whence {
	case Begin:
		earliest, _, found, err := repair.Bounds(ctx.dir)
		if err != nil {
			return ctx.ctxErr(ErrFileCorrupt, err)
		}
		if found {
			id = ID{Log: earliest, Marker: 0}
		}
	case End:
		last, err := ctx.LastLogID()
		if err != nil {
			return err
		}
		id = last
	default:
		return ctx.ctxErr(ErrNotSupported, fmt.Errorf("unknown whence %d", whence))
	}

	store := checkpoint.New(ctx.dir, ctx.info.Safety == Safe)
	if err := store.Add(subscriber, id); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ctx.ctxErr(ErrSubscriberExists, err)
		}
		return ctx.ctxErr(ErrCheckpoint, err)
	}
	return nil
}

// AddSubscriberCopyCheckpoint creates newSub with oldSub's current
// checkpoint value, branching a consumer group without replaying from
// BEGIN (jlog_ctx_add_subscriber_copy_checkpoint).
func (ctx *Context) AddSubscriberCopyCheckpoint(newSub, oldSub string) error {
	if err := ctx.requireOpen(); err != nil {
		return err
	}
	store := checkpoint.New(ctx.dir, ctx.info.Safety == Safe)
	if err := store.AddCopy(newSub, oldSub); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ctx.ctxErr(ErrSubscriberExists, err)
		}
		return ctx.ctxErr(ErrCheckpoint, err)
	}
	return nil
}

// RemoveSubscriber deletes subscriber's checkpoint file.
func (ctx *Context) RemoveSubscriber(subscriber string) error {
	if err := ctx.requireOpen(); err != nil {
		return err
	}
	store := checkpoint.New(ctx.dir, ctx.info.Safety == Safe)
	if err := store.Remove(subscriber); err != nil {
		return ctx.ctxErr(ErrCheckpoint, err)
	}
	return nil
}

// ListSubscribers enumerates every subscriber with a checkpoint file in
// this log directory (jlog_ctx_list_subscribers).
func (ctx *Context) ListSubscribers() ([]string, error) {
	if err := ctx.requireOpen(); err != nil {
		return nil, err
	}
	store := checkpoint.New(ctx.dir, false)
	names, err := store.List()
	if err != nil {
		return nil, ctx.ctxErr(ErrCheckpoint, err)
	}
	return names, nil
}

// SetSubscriberCheckpoint forcibly sets subscriber's checkpoint to id and
// runs the same reclamation sweep ReadCheckpoint does — the administrative
// entry point for rewinding/fast-forwarding a subscriber that isn't the
// one this context has open for reading.
func (ctx *Context) SetSubscriberCheckpoint(subscriber string, id ID) error {
	if err := ctx.requireOpen(); err != nil {
		return err
	}
	store := checkpoint.New(ctx.dir, ctx.info.Safety == Safe)
	oldLog, err := store.Set(subscriber, id)
	if err != nil {
		return ctx.ctxErr(ErrCheckpoint, err)
	}
	return ctx.reclaim(oldLog, id.Log)
}

// PendingReaders reports how many subscribers still need segment log or
// an earlier one, and the minimum log any subscriber still needs
// (jlog_pending_readers).
func (ctx *Context) PendingReaders(log uint32) (count int, earliest uint32, err error) {
	if err := ctx.requireOpen(); err != nil {
		return 0, 0, err
	}
	store := checkpoint.New(ctx.dir, false)
	count, cerr := store.PendingReaders(log)
	if cerr != nil {
		return 0, 0, ctx.ctxErr(ErrCheckpoint, cerr)
	}
	earliest, _, eerr := store.EarliestNeeded()
	if eerr != nil {
		return 0, 0, ctx.ctxErr(ErrCheckpoint, eerr)
	}
	return count, earliest, nil
}
