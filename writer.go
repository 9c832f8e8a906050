package jlog

import (
	"errors"
	"fmt"
	"time"

	"github.com/epokhe/jlog/internal/compress"
	"github.com/epokhe/jlog/internal/segment"
)

// Write appends one message to the log (spec §4.4's append path). when
// defaults to time.Now(); a caller can pass an explicit timestamp (e.g.
// replaying records from another log) as the single optional argument.
func (ctx *Context) Write(payload []byte, when ...time.Time) error {
	if ctx.mode != modeAppend {
		return ctx.ctxErr(ErrIllegalWrite, fmt.Errorf("write called outside APPEND state"))
	}

	ts := time.Now()
	if len(when) > 0 {
		ts = when[0]
	}

	hdr := segment.Header{
		Reserved:   ctx.info.HdrMagic,
		TvSec:      uint32(ts.Unix()),
		TvUsec:     uint32(ts.Nanosecond() / 1000),
		Mlen:       uint32(len(payload)),
		Compressed: ctx.useCompression,
	}

	body := payload
	if ctx.useCompression {
		codec, err := ctx.codecProvider()
		if err != nil {
			return ctx.ctxErr(ErrFileWrite, err)
		}
		compressed, cerr := codec.Compress(make([]byte, 0, codec.Bound(len(payload))), payload)
		switch {
		case cerr == nil:
			body = compressed
		case errors.Is(cerr, compress.ErrIncompressible):
			// header shape is chosen per-log, not per-record (spec §3): a
			// record that wouldn't shrink still gets the log-wide 20-byte
			// header, with compressed_len==mlen marking the literal bytes
			// stored in place of a compressed blob. body is already
			// payload.
		default:
			return ctx.ctxErr(ErrFileWrite, cerr)
		}
	}
	if hdr.Compressed {
		hdr.CompressedLen = uint32(len(body))
	}

	hdrBuf := make([]byte, segment.HeaderLen(hdr.Compressed))
	hdr.Encode(hdrBuf)
	recLen := len(hdrBuf) + len(body)

	ctx.writeLock.Lock()
	defer ctx.writeLock.Unlock()

	if err := ctx.activeSeg.LockData(); err != nil {
		return ctx.ctxErr(ErrLock, err)
	}
	defer ctx.activeSeg.UnlockData()

	if ctx.pre != nil {
		if ctx.pre.TryStage([][]byte{hdrBuf, body}, recLen) {
			ctx.pendingLens = append(ctx.pendingLens, recLen)
			return ctx.maybeRotateLocked()
		}
		if err := ctx.flushPreCommitToSegmentLocked(); err != nil {
			return ctx.ctxErr(ErrFileWrite, err)
		}
		if ctx.pre.TryStage([][]byte{hdrBuf, body}, recLen) {
			ctx.pendingLens = append(ctx.pendingLens, recLen)
			return ctx.maybeRotateLocked()
		}
		// record itself is larger than the whole pre-commit buffer: falls
		// through to a direct write below, same as the no-pre-commit path.
	}

	if err := ctx.appendRecordLocked(hdrBuf, body); err != nil {
		return ctx.ctxErr(ErrFileWrite, err)
	}
	return ctx.maybeRotateLocked()
}

// appendRecordLocked writes one record straight to the active segment and
// indexes it. Caller must hold writeLock and the segment's data lock.
func (ctx *Context) appendRecordLocked(hdrBuf, body []byte) error {
	off, err := ctx.activeSeg.Append(hdrBuf, body)
	if err != nil {
		return err
	}
	if err := ctx.activeSeg.AppendIndexEntries([]uint64{uint64(off)}); err != nil {
		return err
	}
	if ctx.safety == Safe {
		return ctx.activeSeg.Sync()
	}
	return nil
}

// flushPreCommitToSegmentLocked drains whatever is currently staged and
// pwrites it to the active segment in one call, then indexes each drained
// record at its true offset. Caller must hold writeLock and the segment's
// data lock (spec §4.6: pre-commit is only ever touched under the data
// lock).
func (ctx *Context) flushPreCommitToSegmentLocked() error {
	if ctx.pre == nil {
		return nil
	}
	blob := ctx.pre.Drain()
	if len(blob) == 0 {
		ctx.pendingLens = nil
		return nil
	}

	base, err := ctx.activeSeg.Size()
	if err != nil {
		return err
	}
	if _, err := ctx.activeSeg.Append(nil, blob); err != nil {
		return err
	}

	offsets := make([]uint64, 0, len(ctx.pendingLens))
	cur := uint64(base)
	for _, l := range ctx.pendingLens {
		offsets = append(offsets, cur)
		cur += uint64(l)
	}
	ctx.pendingLens = nil
	if err := ctx.activeSeg.AppendIndexEntries(offsets); err != nil {
		return err
	}

	if ctx.safety == Safe {
		return ctx.activeSeg.Sync()
	}
	return nil
}

// flushPreCommitLocked is the Close-time drain: it takes the locks itself
// since Close isn't already holding them.
func (ctx *Context) flushPreCommitLocked() error {
	if ctx.pre == nil {
		return nil
	}
	ctx.writeLock.Lock()
	defer ctx.writeLock.Unlock()

	if err := ctx.activeSeg.LockData(); err != nil {
		return err
	}
	defer ctx.activeSeg.UnlockData()

	return ctx.flushPreCommitToSegmentLocked()
}

// maybeRotateLocked rotates to a new segment once the active one has
// reached unit_limit. Caller must hold writeLock and the active segment's
// data lock.
func (ctx *Context) maybeRotateLocked() error {
	size, err := ctx.activeSeg.Size()
	if err != nil {
		return ctx.ctxErr(ErrFileWrite, err)
	}
	if size < int64(ctx.unitLimit) {
		return nil
	}
	return ctx.rotateLocked()
}

// rotateLocked implements spec §4.7: flush any staged bytes, then
// atomically increment storage_log under the metastore lock — unless
// another writer process already rotated past this context, in which case
// it just catches up to whatever storage_log it finds.
func (ctx *Context) rotateLocked() error {
	if err := ctx.flushPreCommitToSegmentLocked(); err != nil {
		return ctx.ctxErr(ErrFileWrite, err)
	}
	if err := ctx.activeSeg.Sync(); err != nil {
		return ctx.ctxErr(ErrFileWrite, err)
	}

	if err := ctx.metaStore.Lock(); err != nil {
		return ctx.ctxErr(ErrLock, err)
	}
	defer ctx.metaStore.Unlock()

	info, err := ctx.metaStore.Restore(false, ctx.repairMetastore)
	if err != nil {
		return ctx.ctxErr(ErrMetaOpen, err)
	}

	nextLog := info.StorageLog
	if info.StorageLog == ctx.currentLog {
		nextLog = ctx.currentLog + 1
		info.StorageLog = nextLog
		if err := ctx.metaStore.Save(info, ctx.safety != Unsafe); err != nil {
			return ctx.ctxErr(ErrCreateMeta, err)
		}
	}
	ctx.info = info

	newSeg, err := segment.Create(ctx.dir, nextLog)
	if err != nil {
		return ctx.ctxErr(ErrFileOpen, err)
	}

	oldSeg := ctx.activeSeg
	ctx.activeSeg = newSeg
	ctx.currentLog = nextLog

	if cerr := oldSeg.Close(); cerr != nil && ctx.log != nil {
		ctx.log.Warnw("rotation: closing old segment failed", "err", cerr)
	}
	return nil
}
