package pipeline

import (
	"context"

	"github.com/redis/go-redis/v9"

	"okgate/logger"
)

// Signal tags one lifecycle event of a connection. Every pipeline
// execution is driven by exactly one signal.
type Signal string

const (
	Ready        Signal = "READY"
	Connected    Signal = "CONNECTED"
	OnData       Signal = "ON_DATA"
	Timeout      Signal = "TIMEOUT"
	Disconnected Signal = "DISCONNECTED"
	Exit         Signal = "EXIT"
)

// Sender is the owning connection of a pipeline execution. Interceptors
// use it to push frames upstream without waiting for the leave phase.
type Sender interface {
	Send(msg string) error
}

// Context is the per-execution state threaded through a pipeline.
// It is created fresh for each signal dispatch and discarded after.
// Values carries adapter-specific extras that have no fixed field.
type Context struct {
	Ctx      context.Context
	Signal   Signal
	Conn     Sender
	Channel  string
	Name     string
	Path     string
	Raw      []byte
	Data     map[string]any
	Store    redis.Cmdable
	Response []any
	Values   map[string]any
}

// NewContext returns a Context carrying the given signal.
func NewContext(ctx context.Context, signal Signal) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Context{
		Ctx:    ctx,
		Signal: signal,
		Values: make(map[string]any),
	}
}

// Interceptor is one middleware unit. Enter runs in registration order,
// Leave runs in reverse order of the enters that succeeded.
type Interceptor interface {
	Enter(ctx *Context) error
	Leave(ctx *Context) error
}

// Funcs adapts a plain pair of functions to the Interceptor interface.
// Either function may be nil, in which case that phase is a no-op.
type Funcs struct {
	OnEnter func(ctx *Context) error
	OnLeave func(ctx *Context) error
}

func (f Funcs) Enter(ctx *Context) error {
	if f.OnEnter == nil {
		return nil
	}
	return f.OnEnter(ctx)
}

func (f Funcs) Leave(ctx *Context) error {
	if f.OnLeave == nil {
		return nil
	}
	return f.OnLeave(ctx)
}

// SetValues returns an interceptor that seeds ctx.Values on enter.
func SetValues(vals map[string]any) Interceptor {
	return Funcs{OnEnter: func(ctx *Context) error {
		for k, v := range vals {
			ctx.Values[k] = v
		}
		return nil
	}}
}

// Execute runs the interceptors against ctx: a forward enter pass, then
// a LIFO leave pass over the interceptors whose enter succeeded. A
// failing enter or leave is logged and the remaining steps still run;
// a nil interceptor is logged as a warning and skipped. The return
// value is whatever the interceptors accumulated in ctx.Response.
func Execute(ctx *Context, interceptors []Interceptor) []any {
	log := logger.GetLogger().WithComponent("pipeline")

	leave := make([]Interceptor, 0, len(interceptors))
	for _, ic := range interceptors {
		if ic == nil {
			log.Warn("nil interceptor, skipping")
			continue
		}
		if err := ic.Enter(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"signal": string(ctx.Signal)}).Warn("interceptor enter failed")
			continue
		}
		leave = append(leave, ic)
	}

	for i := len(leave) - 1; i >= 0; i-- {
		if err := leave[i].Leave(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"signal": string(ctx.Signal)}).Warn("interceptor leave failed")
		}
	}

	return ctx.Response
}

// AppendResponse queues one output value on ctx, creating the response
// slice on first use.
func AppendResponse(ctx *Context, v any) {
	ctx.Response = append(ctx.Response, v)
}
