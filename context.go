// Package jlog implements a journaled, multi-reader, append-only message
// log persisted as a directory of segment files (see SPEC_FULL.md). A
// single Context represents one role (writer or a named subscriber's
// reader) over one log directory.
package jlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/epokhe/jlog/internal/checkpoint"
	"github.com/epokhe/jlog/internal/compress"
	"github.com/epokhe/jlog/internal/meta"
	"github.com/epokhe/jlog/internal/precommit"
	"github.com/epokhe/jlog/internal/segment"
)

type mode int

const (
	modeNew mode = iota
	modeInit
	modeAppend
	modeRead
	modeInvalid
)

const (
	defaultUnitLimit = 4 * 1024 * 1024
	metaFileName     = "metastore"
)

// Context encapsulates one log directory and one role — a writer, or a
// named subscriber's reader (spec §4.9's state machine).
type Context struct {
	dir  string
	mode mode

	// writeLock serializes write/flush_pre_commit/rotation within this
	// context, the same role the teacher's single `write_lock` plays.
	writeLock sync.Mutex

	// mu guards the sticky-error fields only; the data path never takes it.
	mu      sync.Mutex
	lastErr *Error

	log     *zap.SugaredLogger
	errFunc func(ErrCode, string)

	// settings, fixed by New's options; none can be changed after open.
	unitLimit      uint32
	safety         Safety
	useCompression bool
	codec          compress.CodecID
	preCommitSize  int
	multiProcess   bool
	readMethod     ReadMethod

	metaStore *meta.Store
	info      meta.Info

	currentLog uint32 // the segment this writer is appending to right now
	activeSeg  *segment.Segment

	pre         *precommit.Buffer
	pendingLens []int // byte length of each record currently staged in pre, in order

	cpStore    *checkpoint.Store
	subscriber string

	scratch []byte // reused decompression scratch buffer
}

// New allocates a context over path with spec §6's documented defaults:
// unit_limit = 4 MiB, safety = ALMOST_SAFE, no compression, multi-process
// locking on.
func New(path string, opts ...Option) *Context {
	ctx := &Context{
		dir:          path,
		mode:         modeNew,
		unitLimit:    defaultUnitLimit,
		safety:       AlmostSafe,
		multiProcess: true,
		readMethod:   MethodMMAP,
		log:          zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(ctx)
	}
	return ctx
}

func (ctx *Context) metaPath() string { return filepath.Join(ctx.dir, metaFileName) }

func (ctx *Context) hdrMagic() uint32 {
	if ctx.useCompression {
		return segment.HdrMagicFor(uint8(ctx.codec))
	}
	return segment.MagicUncompressed
}

// Init creates the log directory and writes a fresh metastore (spec
// §4.9's NEW -> INIT transition).
func (ctx *Context) Init() error {
	if ctx.mode != modeNew {
		return ctx.ctxErr(ErrIllegalInit, fmt.Errorf("init called outside NEW state"))
	}

	if err := os.MkdirAll(ctx.dir, 0o755); err != nil {
		ctx.mode = modeInvalid
		return ctx.ctxErr(ErrCreateMkdir, err)
	}

	store, err := meta.Open(ctx.metaPath(), true)
	if err != nil {
		ctx.mode = modeInvalid
		return ctx.ctxErr(ErrCreateMeta, err)
	}
	defer store.Close()

	info := meta.Info{
		StorageLog: 0,
		UnitLimit:  ctx.unitLimit,
		Safety:     ctx.safety,
		HdrMagic:   ctx.hdrMagic(),
	}
	if err := store.Save(info, ctx.safety != Unsafe); err != nil {
		ctx.mode = modeInvalid
		return ctx.ctxErr(ErrCreateMeta, err)
	}

	ctx.info = info
	ctx.mode = modeInit
	return nil
}

// OpenWriter validates the directory, restores the metastore, maps the
// pre-commit buffer if configured, and opens the current segment for
// appending (spec §4.7, §4.9's NEW -> APPEND transition).
func (ctx *Context) OpenWriter() error {
	if ctx.mode != modeNew {
		return ctx.ctxErr(ErrIllegalOpen, fmt.Errorf("open_writer called outside NEW state"))
	}

	if err := ctx.validateDir(); err != nil {
		ctx.mode = modeInvalid
		return err
	}

	store, err := meta.Open(ctx.metaPath(), false)
	if err != nil {
		ctx.mode = modeInvalid
		return ctx.ctxErr(ErrMetaOpen, err)
	}
	ctx.metaStore = store

	info, err := store.Restore(false, ctx.repairMetastore)
	if err != nil {
		ctx.mode = modeInvalid
		return ctx.ctxErr(ErrMetaOpen, err)
	}
	ctx.info = info
	ctx.currentLog = info.StorageLog

	seg, err := segment.Create(ctx.dir, ctx.currentLog)
	if err != nil {
		ctx.mode = modeInvalid
		return ctx.ctxErr(ErrFileOpen, err)
	}
	ctx.activeSeg = seg

	if ctx.preCommitSize > 0 {
		pre, err := precommit.Open(ctx.dir, ctx.preCommitSize)
		if err != nil {
			ctx.mode = modeInvalid
			return ctx.ctxErr(ErrCreatePreCommit, err)
		}
		ctx.pre = pre
	}

	ctx.cpStore = checkpoint.New(ctx.dir, ctx.info.Safety == Safe)
	ctx.mode = modeAppend
	return nil
}

// OpenReader validates the directory, restores the metastore read-only,
// and binds this context to subscriber's checkpoint (spec §4.9's
// NEW -> READ transition).
func (ctx *Context) OpenReader(subscriber string) error {
	if ctx.mode != modeNew {
		return ctx.ctxErr(ErrIllegalOpen, fmt.Errorf("open_reader called outside NEW state"))
	}

	if err := ctx.validateDir(); err != nil {
		ctx.mode = modeInvalid
		return err
	}

	store, err := meta.Open(ctx.metaPath(), false)
	if err != nil {
		ctx.mode = modeInvalid
		return ctx.ctxErr(ErrMetaOpen, err)
	}
	ctx.metaStore = store

	info, err := store.Restore(true, ctx.repairMetastore)
	if err != nil {
		ctx.mode = modeInvalid
		return ctx.ctxErr(ErrMetaOpen, err)
	}
	ctx.info = info

	ctx.cpStore = checkpoint.New(ctx.dir, ctx.info.Safety == Safe)
	if !ctx.cpStore.Exists(subscriber) {
		ctx.mode = modeInvalid
		return ctx.ctxErr(ErrInvalidSubscriber, fmt.Errorf("subscriber %q not found", subscriber))
	}

	ctx.subscriber = subscriber
	ctx.mode = modeRead
	return nil
}

func (ctx *Context) validateDir() error {
	info, err := os.Stat(ctx.dir)
	if err != nil {
		return ctx.ctxErr(ErrOpen, err)
	}
	if !info.IsDir() {
		return ctx.ctxErr(ErrNotDir, fmt.Errorf("%s is not a directory", ctx.dir))
	}
	return nil
}

// Close flushes, unmaps, and releases everything the context opened.
// Valid from any state; a no-op from NEW.
func (ctx *Context) Close() error {
	var errs []error

	if ctx.mode == modeAppend {
		if err := ctx.flushPreCommitLocked(); err != nil {
			errs = append(errs, err)
		}
		if ctx.activeSeg != nil {
			if err := ctx.activeSeg.Sync(); err != nil {
				errs = append(errs, err)
			}
			if err := ctx.activeSeg.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := ctx.pre.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if ctx.metaStore != nil {
		if err := ctx.metaStore.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	ctx.mode = modeInvalid
	if len(errs) > 0 {
		return fmt.Errorf("jlog: close: %v", errs)
	}
	return nil
}

func (ctx *Context) params() segment.Params {
	codecID, compressed := segment.CodecFromHdrMagic(ctx.info.HdrMagic)
	_ = codecID
	return segment.Params{
		HdrMagic:   ctx.info.HdrMagic,
		Compressed: compressed,
		StorageLog: ctx.info.StorageLog,
	}
}

func (ctx *Context) codecProvider() (compress.Provider, error) {
	id, compressed := segment.CodecFromHdrMagic(ctx.info.HdrMagic)
	if !compressed {
		return compress.Get(compress.CodecNull)
	}
	return compress.Get(compress.CodecID(id))
}
