package okex

import (
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"okgate/logger"
	"okgate/models"
	"okgate/pipeline"
	"okgate/store"
	"okgate/ws"
)

// statusTTL bounds how long a live status survives without renewal, so
// a crashed gateway reads as dead rather than CONNECTED forever.
const statusTTL = 30 * time.Second

// Bridge relays a connection's lifecycle and data into the broker:
// lifecycle signals go to the connection's event channel and status
// key, table frames are published per table and handed to the storage
// adapters, exchange event frames are relayed as-is.
type Bridge struct {
	name string
	rdb  redis.Cmdable
	log  *logger.Entry
}

func NewBridge(name string, rdb redis.Cmdable) *Bridge {
	return &Bridge{
		name: name,
		rdb:  rdb,
		log:  logger.GetLogger().WithComponent("bridge").WithFields(logger.Fields{"name": name}),
	}
}

func (b *Bridge) Enter(ctx *pipeline.Context) error {
	switch ctx.Signal {
	case pipeline.Ready, pipeline.Connected, pipeline.Timeout:
		b.announce(ctx, true)
	case pipeline.Disconnected, pipeline.Exit:
		// terminal states persist without expiry
		b.announce(ctx, false)
	case pipeline.OnData:
		return b.onData(ctx)
	}
	return nil
}

func (b *Bridge) Leave(ctx *pipeline.Context) error {
	return nil
}

// announce publishes the lifecycle event and records it as the
// connection status. Live states expire, terminal ones stay.
func (b *Bridge) announce(ctx *pipeline.Context, expiring bool) {
	state := string(ctx.Signal)
	b.publish(ctx, store.EventChannel(b.name), map[string]any{"op": state})

	var err error
	if expiring {
		err = b.rdb.SetEx(ctx.Ctx, store.StatusKey(b.name), state, statusTTL).Err()
	} else {
		err = b.rdb.Set(ctx.Ctx, store.StatusKey(b.name), state, 0).Err()
	}
	if err != nil {
		b.log.WithError(err).Warn("cannot record connection status")
	}
}

func (b *Bridge) onData(ctx *pipeline.Context) error {
	// every inbound frame is announced, downstream consumers watch the
	// event channel for liveness
	b.announce(ctx, true)

	if table, ok := ctx.Data["table"].(string); ok && table != "" {
		b.publish(ctx, store.TableChannel(b.name, table), ctx.Data)

		sctx := pipeline.NewContext(ctx.Ctx, pipeline.OnData)
		sctx.Name = b.name
		sctx.Store = b.rdb
		sctx.Data = ctx.Data
		pipeline.Execute(sctx, store.WriteInterceptors())
		return nil
	}

	if event, ok := ctx.Data["event"].(string); ok && event != "" {
		entry := b.log.WithFields(logger.Fields{"event": event, "frame": ctx.Data})
		if event == "error" {
			entry.Warn("exchange reported an error")
		} else {
			entry.Info("exchange event")
		}
		b.publish(ctx, store.EventChannel(b.name), ctx.Data)
		return nil
	}

	if len(ctx.Data) > 0 {
		b.log.WithFields(logger.Fields{"frame": ctx.Data}).Warn("frame has no table or event")
	}
	return nil
}

func (b *Bridge) publish(ctx *pipeline.Context, channel string, payload map[string]any) {
	buf, err := json.Marshal(payload)
	if err != nil {
		b.log.WithError(err).Warn("cannot serialize broker payload")
		return
	}
	if err := b.rdb.Publish(ctx.Ctx, channel, buf).Err(); err != nil {
		b.log.WithError(err).WithFields(logger.Fields{"channel": channel}).Warn("cannot publish to broker")
		return
	}
	logger.IncrementStorePublish(len(buf))
}

// NewApp assembles the full exchange-connection pipeline for one named
// connection: decode, subscription tracking, then the broker bridge.
func NewApp(name string, auth models.AuthParams, rdb redis.Cmdable) ws.App {
	interceptors := []pipeline.Interceptor{
		NewDecode(auth),
		NewSubscriptions(),
		NewBridge(name, rdb),
	}
	return func(ctx *pipeline.Context) []any {
		ctx.Name = name
		ctx.Store = rdb
		return pipeline.Execute(ctx, interceptors)
	}
}
