package jlog

import (
	"go.uber.org/zap"

	"github.com/epokhe/jlog/internal/compress"
	"github.com/epokhe/jlog/internal/meta"
	"github.com/epokhe/jlog/internal/segment"
)

// Safety re-exports the metastore's safety levels at the package surface
// (spec §3, §4.3, glossary).
type Safety = meta.Safety

const (
	Unsafe     = meta.Unsafe
	AlmostSafe = meta.AlmostSafe
	Safe       = meta.Safe
)

// Position selects where a newly added subscriber's checkpoint starts.
type Position int

const (
	Begin Position = iota
	End
)

// ReadMethod selects the reader's data-access strategy.
type ReadMethod = segment.ReadMethod

const (
	MethodMMAP  = segment.MethodMMAP
	MethodPREAD = segment.MethodPREAD
)

// Option configures a *Context before Init/OpenWriter/OpenReader,
// mirroring the teacher's functional-options convention generalized to
// the full settings surface of spec §6. Options are applied only by New;
// no setting can be changed on an already-opened context.
type Option func(*Context)

func WithJournalSize(n uint32) Option {
	return func(ctx *Context) { ctx.unitLimit = n }
}

func WithSafety(s Safety) Option {
	return func(ctx *Context) { ctx.safety = s }
}

func WithCompression(enabled bool) Option {
	return func(ctx *Context) { ctx.useCompression = enabled }
}

func WithCodec(id compress.CodecID) Option {
	return func(ctx *Context) { ctx.codec = id }
}

func WithPreCommitBufferSize(n int) Option {
	return func(ctx *Context) { ctx.preCommitSize = n }
}

func WithMultiProcess(on bool) Option {
	return func(ctx *Context) { ctx.multiProcess = on }
}

func WithReadMethod(m ReadMethod) Option {
	return func(ctx *Context) { ctx.readMethod = m }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(ctx *Context) { ctx.log = l }
}

// WithErrorFunc installs a callback invoked alongside the zap logger on
// every internal error (spec §6's jlog_set_error_func), for hosts that
// want their own side-channel notification instead of/in addition to logs.
func WithErrorFunc(f func(code ErrCode, msg string)) Option {
	return func(ctx *Context) { ctx.errFunc = f }
}
