package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"okgate/logger"
	"okgate/models"
	"okgate/pipeline"
	"okgate/store"
)

// ErrNoGateway means the command channel has no listener: either the
// gateway is down or it stopped its reader.
var ErrNoGateway = errors.New("no gateway listening on command channel")

// Client is the in-process control client of a running gateway. It
// publishes commands on the listen channel, waits for the per-command
// response, and reads stored market data directly.
type Client struct {
	rdb     *redis.Client
	channel string
	infoKey string
	timeout time.Duration
	poll    time.Duration
	log     *logger.Entry
}

// New creates a client talking to the given command channel. Responses
// are expected under infoKey suffixed with the command id.
func New(rdb *redis.Client, channel, infoKey string) *Client {
	return &Client{
		rdb:     rdb,
		channel: channel,
		infoKey: infoKey,
		timeout: 10 * time.Second,
		poll:    50 * time.Millisecond,
		log:     logger.GetLogger().WithComponent("control_client"),
	}
}

// Do publishes one command and polls for its response. Commands get a
// fresh id unless the caller set one.
func (c *Client) Do(ctx context.Context, cmd models.Command) (models.Info, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	buf, err := json.Marshal(cmd)
	if err != nil {
		return models.Info{}, err
	}

	n, err := c.rdb.Publish(ctx, c.channel, buf).Result()
	if err != nil {
		return models.Info{}, err
	}
	if n == 0 {
		return models.Info{}, ErrNoGateway
	}

	key := c.infoKey + "/" + cmd.ID
	deadline := time.Now().Add(c.timeout)
	for {
		raw, err := c.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			c.rdb.Del(ctx, key)
			var info models.Info
			if err := json.Unmarshal(raw, &info); err != nil {
				return models.Info{}, fmt.Errorf("response for %s: %w", cmd.Op, err)
			}
			return info, nil
		case errors.Is(err, redis.Nil):
			if time.Now().After(deadline) {
				return models.Info{}, fmt.Errorf("no response for %s within %s", cmd.Op, c.timeout)
			}
			select {
			case <-ctx.Done():
				return models.Info{}, ctx.Err()
			case <-time.After(c.poll):
			}
		default:
			return models.Info{}, err
		}
	}
}

// Open starts a named exchange connection.
func (c *Client) Open(ctx context.Context, name string, auth models.AuthParams) (models.Info, error) {
	args, err := json.Marshal(auth)
	if err != nil {
		return models.Info{}, err
	}
	return c.Do(ctx, models.Command{Op: models.OpOpen, Name: name, Args: args})
}

// Close stops a named exchange connection.
func (c *Client) Close(ctx context.Context, name string) (models.Info, error) {
	return c.Do(ctx, models.Command{Op: models.OpClose, Name: name})
}

// Servers lists the open connection names.
func (c *Client) Servers(ctx context.Context) ([]string, error) {
	info, err := c.Do(ctx, models.Command{Op: models.OpServers})
	if err != nil {
		return nil, err
	}
	if info.ErrorCode != models.CodeOK {
		return nil, fmt.Errorf("servers: %v", info.Message)
	}
	raw, _ := info.Message.([]any)
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			names = append(names, s)
		}
	}
	return names, nil
}

// Quit asks the gateway to stop consuming commands.
func (c *Client) Quit(ctx context.Context) (models.Info, error) {
	return c.Do(ctx, models.Command{Op: models.OpQuitServer})
}

// Forward sends any other op to the named connection.
func (c *Client) Forward(ctx context.Context, name, op string, args ...any) (models.Info, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return models.Info{}, err
	}
	return c.Do(ctx, models.Command{Op: op, Name: name, Args: raw})
}

// Subscribe asks the named connection to subscribe to exchange channels.
func (c *Client) Subscribe(ctx context.Context, name string, channels ...string) (models.Info, error) {
	args := make([]any, len(channels))
	for i, ch := range channels {
		args[i] = ch
	}
	return c.Forward(ctx, name, "subscribe", args...)
}

// Unsubscribe asks the named connection to drop exchange channels.
func (c *Client) Unsubscribe(ctx context.Context, name string, channels ...string) (models.Info, error) {
	args := make([]any, len(channels))
	for i, ch := range channels {
		args[i] = ch
	}
	return c.Forward(ctx, name, "unsubscribe", args...)
}

// Get reads stored records of one table. Values carries the query
// parameters the table shape needs, like instrument_id, currency or n.
func (c *Client) Get(ctx context.Context, name, table string, values map[string]any) []any {
	pctx := pipeline.NewContext(ctx, pipeline.OnData)
	pctx.Name = name
	pctx.Path = table
	pctx.Store = c.rdb
	for k, v := range values {
		pctx.Values[k] = v
	}
	return pipeline.Execute(pctx, store.ReadInterceptors())
}
