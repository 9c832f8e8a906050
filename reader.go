package jlog

import (
	"errors"
	"fmt"
	"os"

	"github.com/epokhe/jlog/internal/checkpoint"
	"github.com/epokhe/jlog/internal/segment"
)

// ID is a (log, marker) pair identifying one message (spec §3).
type ID = checkpoint.ID

// Record is one decoded message returned by ReadMessage/BulkRead.
type Record = segment.Record

// ReadInterval implements spec §4.8: it restores the metastore, reads the
// open subscriber's checkpoint, resolves the first unread id and the last
// id currently available, and self-heals the checkpoint if it names a
// reclaimed or skipped-past segment.
func (ctx *Context) ReadInterval() (first, last ID, count int, err error) {
	if ctx.mode != modeRead {
		return ID{}, ID{}, 0, ctx.ctxErr(ErrIllegalCheckpoint, fmt.Errorf("read_interval called outside READ state"))
	}

	info, rerr := ctx.metaStore.Restore(true, ctx.repairMetastore)
	if rerr != nil {
		return ID{}, ID{}, 0, ctx.ctxErr(ErrMetaOpen, rerr)
	}
	ctx.info = info

	chk, gerr := ctx.cpStore.Get(ctx.subscriber)
	if gerr != nil {
		return ID{}, ID{}, 0, ctx.ctxErr(ErrCheckpoint, gerr)
	}

	start, finish, ferr := ctx.findFirstLogAfter(chk)
	if ferr != nil {
		return ID{}, ID{}, 0, ctx.ctxErr(ErrFileCorrupt, ferr)
	}

	if start.Log != chk.Log {
		if _, serr := ctx.cpStore.Set(ctx.subscriber, start); serr != nil {
			return ID{}, ID{}, 0, ctx.ctxErr(ErrCheckpoint, serr)
		}
		first = ID{Log: start.Log, Marker: 1}
	} else {
		first = ID{Log: start.Log, Marker: chk.Marker + 1}
	}

	count = int(finish.Marker) - int(first.Marker) + 1
	if count < 0 {
		if _, serr := ctx.cpStore.Set(ctx.subscriber, finish); serr != nil {
			return ID{}, ID{}, 0, ctx.ctxErr(ErrCheckpoint, serr)
		}
		return finish, finish, 0, nil
	}

	return first, finish, count, nil
}

// findFirstLogAfter walks forward from chk, skipping whole segments that
// were reclaimed (ENOENT) or fully consumed and frozen, until it lands on
// the segment that actually holds (or will hold) the next unread record.
func (ctx *Context) findFirstLogAfter(chk ID) (start, finish ID, err error) {
	cur := chk
	p := ctx.params()
	p.StorageLog = ctx.info.StorageLog

	for {
		res, rerr := segment.Resync(ctx.dir, cur.Log, p)
		if rerr != nil {
			if errors.Is(rerr, os.ErrNotExist) && cur.Log < ctx.info.StorageLog {
				cur = ID{Log: cur.Log + 1, Marker: 0}
				continue
			}
			return ID{}, ID{}, rerr
		}
		if res.LastMarker == cur.Marker && res.Closed && cur.Log < ctx.info.StorageLog {
			cur = ID{Log: cur.Log + 1, Marker: 0}
			continue
		}
		return cur, ID{Log: cur.Log, Marker: res.LastMarker}, nil
	}
}

// ReadMessage reads one record by id, self-healing via index resync on
// detected corruption (spec §4.4 "Read path").
func (ctx *Context) ReadMessage(id ID) (Record, error) {
	if ctx.mode != modeRead {
		return Record{}, ctx.ctxErr(ErrIllegalCheckpoint, fmt.Errorf("read_message called outside READ state"))
	}

	codec, cerr := ctx.codecProvider()
	if cerr != nil {
		return Record{}, ctx.ctxErr(ErrFileRead, cerr)
	}

	rec, scratch, rerr := segment.ReadWithRecovery(ctx.dir, id.Log, id.Marker, ctx.params(), codec, ctx.readMethod, ctx.scratch)
	ctx.scratch = scratch
	if rerr != nil {
		if errors.Is(rerr, segment.ErrCloseLogID) {
			return Record{}, ctx.ctxErr(ErrCloseLogID, rerr)
		}
		return Record{}, ctx.ctxErr(ErrFileRead, rerr)
	}
	return rec, nil
}

// BulkRead reads count consecutive records starting at id (spec §4.4
// "Bulk read").
func (ctx *Context) BulkRead(id ID, count int) ([]Record, error) {
	if ctx.mode != modeRead {
		return nil, ctx.ctxErr(ErrIllegalCheckpoint, fmt.Errorf("bulk_read called outside READ state"))
	}

	codec, cerr := ctx.codecProvider()
	if cerr != nil {
		return nil, ctx.ctxErr(ErrFileRead, cerr)
	}

	recs, scratch, rerr := segment.BulkRead(ctx.dir, id.Log, id.Marker, count, ctx.params(), codec, ctx.readMethod, ctx.scratch)
	ctx.scratch = scratch
	if rerr != nil {
		return nil, ctx.ctxErr(ErrFileRead, rerr)
	}
	return recs, nil
}

// ReadCheckpoint persists id as the open subscriber's new checkpoint, then
// unlinks every segment from the previous checkpoint's log up to (not
// including) id.Log that no subscriber still needs (spec §4.5 steps 1-5).
func (ctx *Context) ReadCheckpoint(id ID) error {
	if ctx.mode != modeRead {
		return ctx.ctxErr(ErrIllegalCheckpoint, fmt.Errorf("read_checkpoint called outside READ state"))
	}

	oldLog, err := ctx.cpStore.Set(ctx.subscriber, id)
	if err != nil {
		return ctx.ctxErr(ErrCheckpoint, err)
	}
	return ctx.reclaim(oldLog, id.Log)
}

// reclaim unlinks every segment in [oldLog, newLog) with zero pending
// readers.
func (ctx *Context) reclaim(oldLog, newLog uint32) error {
	store := checkpoint.New(ctx.dir, ctx.info.Safety == Safe)
	for log := oldLog; log < newLog; log++ {
		pending, perr := store.PendingReaders(log)
		if perr != nil {
			return ctx.ctxErr(ErrCheckpoint, perr)
		}
		if pending == 0 {
			if uerr := segment.Unlink(ctx.dir, log); uerr != nil {
				return ctx.ctxErr(ErrFileWrite, uerr)
			}
		}
	}
	return nil
}
