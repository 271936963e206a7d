package okex

import (
	"sort"
	"sync"

	"okgate/logger"
	"okgate/pipeline"
)

// Subscriptions tracks the channels a connection has confirmed and
// queues re-subscribe commands on every reconnect, so channel state
// survives connection loss.
type Subscriptions struct {
	mu       sync.Mutex
	channels map[string]struct{}
	log      *logger.Log
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		channels: make(map[string]struct{}),
		log:      logger.GetLogger(),
	}
}

func (s *Subscriptions) Enter(ctx *pipeline.Context) error {
	switch ctx.Signal {
	case pipeline.Connected:
		if chs := s.Channels(); len(chs) > 0 {
			s.log.WithComponent("subscriptions").WithFields(logger.Fields{"channels": chs}).Debug("resubscribing after connect")
			Subscribe(ctx, chs...)
		}
	case pipeline.OnData:
		event, _ := ctx.Data["event"].(string)
		channel, _ := ctx.Data["channel"].(string)
		if channel == "" {
			return nil
		}
		switch event {
		case "subscribe":
			s.mu.Lock()
			s.channels[channel] = struct{}{}
			s.mu.Unlock()
			s.log.WithComponent("subscriptions").WithFields(logger.Fields{"channel": channel}).Debug("subscribed")
		case "unsubscribe":
			s.mu.Lock()
			delete(s.channels, channel)
			s.mu.Unlock()
			s.log.WithComponent("subscriptions").WithFields(logger.Fields{"channel": channel}).Debug("unsubscribed")
		}
	}
	return nil
}

func (s *Subscriptions) Leave(ctx *pipeline.Context) error {
	return nil
}

// Channels returns the confirmed channels in stable order.
func (s *Subscriptions) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
