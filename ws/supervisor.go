package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"okgate/logger"
	"okgate/pipeline"
)

// App processes one lifecycle signal of a connection. The values it
// returns are written back to the socket as text frames, one at a time.
type App func(ctx *pipeline.Context) []any

// Options tune one supervised connection.
type Options struct {
	Timeout   time.Duration // liveness timeout between inbound frames
	RetryMin  time.Duration
	RetryMax  time.Duration
	SendRate  int // outbound commands per second
	SendBurst int
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 25 * time.Second
	}
	if o.RetryMin <= 0 {
		o.RetryMin = 10 * time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 900 * time.Second
	}
	if o.SendRate <= 0 {
		o.SendRate = 5
	}
	if o.SendBurst <= 0 {
		o.SendBurst = 5
	}
}

// Supervisor owns one auto-reconnecting websocket connection and drives
// the app pipeline with READY, CONNECTED, ON_DATA, TIMEOUT, DISCONNECTED
// and EXIT signals.
type Supervisor struct {
	url     string
	app     App
	opts    Options
	limiter *rate.Limiter

	writeMu sync.Mutex
	connMu  sync.RWMutex
	conn    *websocket.Conn

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	log     *logger.Log
}

// NewSupervisor creates a supervisor for the given websocket URL.
func NewSupervisor(url string, app App, opts Options) *Supervisor {
	opts.applyDefaults()
	return &Supervisor{
		url:     url,
		app:     app,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.SendRate), opts.SendBurst),
		log:     logger.GetLogger(),
	}
}

// Run connects and serves until the context is cancelled or Close is
// called. Transport failures reconnect with exponential backoff; the
// backoff is never reset, persistent failures keep backing off to the
// ceiling.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.running = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	log := s.log.WithComponent("ws_supervisor").WithFields(logger.Fields{"url": s.url})

	b := &backoff.Backoff{
		Min:    s.opts.RetryMin,
		Max:    s.opts.RetryMax,
		Factor: 2,
	}

	for {
		if err := s.serve(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("connection failed")
		}
		if ctx.Err() != nil {
			break
		}
		d := b.Duration()
		logger.IncrementReconnect()
		log.WithFields(logger.Fields{"backoff": d.String()}).Info("reconnecting after backoff")
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
		if ctx.Err() != nil {
			break
		}
	}

	s.dispatch(pipeline.Exit, nil)
	log.Info("supervisor exited")

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// serve drives one connection lifetime. DISCONNECTED is always
// dispatched on the way out, even when the dial itself failed.
func (s *Supervisor) serve(ctx context.Context) error {
	s.dispatch(pipeline.Ready, nil)
	defer s.dispatch(pipeline.Disconnected, nil)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		conn.Close()
	}()

	// Interrupt the blocking read on cancellation.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	s.dispatch(pipeline.Connected, nil)

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- raw:
			case <-done:
				return
			}
		}
	}()

	liveness := time.NewTimer(s.opts.Timeout)
	defer liveness.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case raw := <-frames:
			logger.IncrementFrameRead(len(raw))
			s.dispatch(pipeline.OnData, raw)
			if !liveness.Stop() {
				select {
				case <-liveness.C:
				default:
				}
			}
			liveness.Reset(s.opts.Timeout)
		case <-liveness.C:
			// Diagnostic only: the read keeps waiting.
			s.dispatch(pipeline.Timeout, nil)
			liveness.Reset(s.opts.Timeout)
		}
	}
}

// dispatch runs the app pipeline for one signal and writes any produced
// responses back to the socket. Signals use a background context so the
// DISCONNECTED/EXIT sequence still reaches downstream adapters after
// cancellation.
func (s *Supervisor) dispatch(signal pipeline.Signal, raw []byte) {
	pctx := pipeline.NewContext(context.Background(), signal)
	pctx.Conn = s
	pctx.Raw = raw

	for _, res := range s.app(pctx) {
		msg, ok := res.(string)
		if !ok {
			s.log.WithComponent("ws_supervisor").WithFields(logger.Fields{"response": res}).Warn("non-string response, dropping")
			continue
		}
		s.log.WithComponent("ws_supervisor").WithFields(logger.Fields{"cmd": msg}).Info("send cmd")
		if err := s.Send(msg); err != nil {
			s.log.WithComponent("ws_supervisor").WithError(err).Warn("failed to send response")
		}
	}
}

// Send writes one text frame. Writes are serialized by a mutex and rate
// limited so queued commands cannot interleave or flood the exchange.
func (s *Supervisor) Send(msg string) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		s.log.WithComponent("ws_supervisor").WithFields(logger.Fields{"msg": msg}).Warn("not connected, cannot send")
		return fmt.Errorf("not connected")
	}

	if err := s.limiter.Wait(context.Background()); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return err
	}
	logger.IncrementFrameSent(len(msg))
	return nil
}

// Close cancels the serve loop. It is idempotent and safe to call on a
// supervisor that never ran.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
