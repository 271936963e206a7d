package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"okgate/logger"
	"okgate/pipeline"
)

// ErrStopReader is returned by an app to stop the reader that delivered
// the current message. Other channels' readers keep running.
var ErrStopReader = errors.New("stop reader")

// App handles one lifecycle signal or message of a subscription.
type App func(ctx *pipeline.Context) error

// Listener owns one or more redis channel subscriptions, each with its
// own reader loop, and drives the app with READY, CONNECTED, ON_DATA,
// DISCONNECTED and EXIT signals.
type Listener struct {
	rdb      *redis.Client
	channels []string
	app      App

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
	log     *logger.Log
}

// NewListener creates a listener for the given channels.
func NewListener(rdb *redis.Client, app App, channels ...string) *Listener {
	return &Listener{
		rdb:      rdb,
		channels: channels,
		app:      app,
		log:      logger.GetLogger(),
	}
}

// Run subscribes and serves until every reader has stopped or the
// context is cancelled. READY and CONNECTED are broadcast to all
// channels before any reader starts; DISCONNECTED and EXIT are
// broadcast exactly once on the way out.
func (l *Listener) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("listener already running")
	}
	l.running = true
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	log := l.log.WithComponent("broker_listener").WithFields(logger.Fields{"channels": l.channels})

	defer func() {
		l.broadcast(pipeline.Disconnected)
		l.broadcast(pipeline.Exit)
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		log.Info("listener stopped")
	}()

	l.broadcast(pipeline.Ready)

	pubsubs := make([]*redis.PubSub, 0, len(l.channels))
	closeAll := func() {
		for _, ps := range pubsubs {
			ps.Close()
		}
	}
	for _, ch := range l.channels {
		ps := l.rdb.Subscribe(ctx, ch)
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			closeAll()
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
		pubsubs = append(pubsubs, ps)
	}

	l.broadcast(pipeline.Connected)
	log.Info("listening")

	for i, ch := range l.channels {
		l.wg.Add(1)
		go l.reader(ctx, ch, pubsubs[i])
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		closeAll()
		<-done
	}
	closeAll()
	return nil
}

// reader delivers messages from one channel until the subscription
// closes or the app asks to stop.
func (l *Listener) reader(ctx context.Context, channel string, ps *redis.PubSub) {
	defer l.wg.Done()
	defer ps.Close()

	log := l.log.WithComponent("broker_listener").WithFields(logger.Fields{"channel": channel})

	for msg := range ps.Channel() {
		pctx := pipeline.NewContext(ctx, pipeline.OnData)
		pctx.Channel = msg.Channel
		pctx.Raw = []byte(msg.Payload)
		pctx.Store = l.rdb
		if err := l.app(pctx); err != nil {
			if errors.Is(err, ErrStopReader) {
				log.Info("reader stopped by app")
				return
			}
			// One bad message must not end the subscription.
			log.WithError(err).Warn("app failed on message")
		}
	}
}

// broadcast delivers a lifecycle signal to every configured channel.
// A background context is used so shutdown signals still reach the app
// after cancellation.
func (l *Listener) broadcast(signal pipeline.Signal) {
	for _, ch := range l.channels {
		pctx := pipeline.NewContext(context.Background(), signal)
		pctx.Channel = ch
		pctx.Store = l.rdb
		if err := l.app(pctx); err != nil && !errors.Is(err, ErrStopReader) {
			l.log.WithComponent("broker_listener").WithError(err).WithFields(logger.Fields{
				"channel": ch,
				"signal":  string(signal),
			}).Warn("app failed on signal")
		}
	}
}

// Close cancels all outstanding readers. Safe to call repeatedly and
// from teardown paths.
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}
