package okex

import (
	"bytes"
	"compress/flate"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"okgate/logger"
	"okgate/models"
	"okgate/pipeline"
)

// Decode normalizes raw exchange frames and performs the signed login.
// It is placed first in every exchange-connection pipeline: inbound
// frames are raw-deflate compressed JSON and become ctx.Data; on the
// leave phase queued responses are serialized to wire text.
type Decode struct {
	auth models.AuthParams
	log  *logger.Log
}

// NewDecode creates the adapter. A connection whose auth has no
// password never attempts to log in.
func NewDecode(auth models.AuthParams) *Decode {
	return &Decode{auth: auth, log: logger.GetLogger()}
}

func (d *Decode) Enter(ctx *pipeline.Context) error {
	switch ctx.Signal {
	case pipeline.Connected:
		if d.auth.Password != "" {
			return d.login(ctx)
		}
	case pipeline.OnData:
		buf, err := inflate(ctx.Raw)
		if err != nil {
			d.log.WithComponent("okex_decode").WithError(err).Warn("cannot inflate exchange frame")
			logger.IncrementFrameDropped()
			ctx.Data = map[string]any{}
			return nil
		}
		var msg map[string]any
		if err := json.Unmarshal(buf, &msg); err != nil {
			d.log.WithComponent("okex_decode").WithError(err).WithFields(logger.Fields{"frame": string(buf)}).Warn("cannot parse exchange frame")
			logger.IncrementFrameDropped()
			ctx.Data = map[string]any{}
			return nil
		}
		ctx.Data = msg
	}
	return nil
}

// Leave turns queued structured responses into socket-writable frames:
// records become JSON strings, strings pass through.
func (d *Decode) Leave(ctx *pipeline.Context) error {
	if ctx.Response == nil {
		return nil
	}
	out := make([]any, 0, len(ctx.Response))
	for _, res := range ctx.Response {
		switch v := res.(type) {
		case string:
			out = append(out, v)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				d.log.WithComponent("okex_decode").WithError(err).Warn("cannot serialize response")
				continue
			}
			out = append(out, string(b))
		}
	}
	ctx.Response = out
	return nil
}

// login sends the signed login command straight to the socket.
func (d *Decode) login(ctx *pipeline.Context) error {
	if ctx.Conn == nil {
		return fmt.Errorf("no connection to log in on")
	}
	ts := Timestamp(time.Now())
	cmd := models.WSCommand{
		Op:   "login",
		Args: []any{d.auth.APIKey, d.auth.Password, ts, Sign(ts, d.auth.Secret)},
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return ctx.Conn.Send(string(b))
}

// Timestamp formats the login timestamp as fractional epoch seconds.
func Timestamp(t time.Time) string {
	return fmt.Sprintf("%.3f", float64(t.UnixMilli())/1e3)
}

// Sign computes the login signature: HMAC-SHA256 of the timestamp
// concatenated with "GET/users/self/verify", base64 encoded.
func Sign(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "GET" + "/users/self/verify"))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// inflate decompresses a raw-deflate frame.
func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}

// Subscribe queues a subscribe command for the given channels.
func Subscribe(ctx *pipeline.Context, channels ...string) {
	pipeline.AppendResponse(ctx, models.WSCommand{Op: "subscribe", Args: toArgs(channels)})
}

// Unsubscribe queues an unsubscribe command for the given channels.
func Unsubscribe(ctx *pipeline.Context, channels ...string) {
	pipeline.AppendResponse(ctx, models.WSCommand{Op: "unsubscribe", Args: toArgs(channels)})
}

// OnChannel reports whether ctx carries data for the given table.
func OnChannel(ctx *pipeline.Context, channel string) bool {
	if ctx.Signal != pipeline.OnData || ctx.Data == nil {
		return false
	}
	table, _ := ctx.Data["table"].(string)
	return table == channel
}

func toArgs(channels []string) []any {
	args := make([]any, len(channels))
	for i, ch := range channels {
		args[i] = ch
	}
	return args
}
