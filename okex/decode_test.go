package okex

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"okgate/models"
	"okgate/pipeline"
)

type fakeConn struct {
	sent []string
}

func (f *fakeConn) Send(msg string) error {
	f.sent = append(f.sent, msg)
	return nil
}

func deflated(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		t.Fatalf("flate writer: %v", err)
	}
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return buf.Bytes()
}

func dataCtx(raw []byte) *pipeline.Context {
	ctx := pipeline.NewContext(context.Background(), pipeline.OnData)
	ctx.Raw = raw
	return ctx
}

func TestDecodeInflatesFrames(t *testing.T) {
	d := NewDecode(models.AuthParams{})

	ctx := dataCtx(deflated(t, `{"table":"swap/ticker","data":[{"last":"1"}]}`))
	if err := d.Enter(ctx); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if table, _ := ctx.Data["table"].(string); table != "swap/ticker" {
		t.Fatalf("data = %v", ctx.Data)
	}
}

func TestDecodeBadFrameYieldsEmptyData(t *testing.T) {
	d := NewDecode(models.AuthParams{})

	for _, raw := range [][]byte{
		[]byte("not deflate at all"),
		deflated(t, "not json"),
	} {
		ctx := dataCtx(raw)
		if err := d.Enter(ctx); err != nil {
			t.Fatalf("enter should swallow bad frames, got %v", err)
		}
		if ctx.Data == nil || len(ctx.Data) != 0 {
			t.Fatalf("data = %v, want empty map", ctx.Data)
		}
	}
}

func TestDecodeLoginOnConnect(t *testing.T) {
	d := NewDecode(models.AuthParams{APIKey: "key-1", Secret: "hush", Password: "pw"})
	conn := &fakeConn{}
	ctx := pipeline.NewContext(context.Background(), pipeline.Connected)
	ctx.Conn = conn

	if err := d.Enter(ctx); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(conn.sent))
	}

	var cmd struct {
		Op   string   `json:"op"`
		Args []string `json:"args"`
	}
	if err := json.Unmarshal([]byte(conn.sent[0]), &cmd); err != nil {
		t.Fatalf("login frame: %v", err)
	}
	if cmd.Op != "login" || len(cmd.Args) != 4 {
		t.Fatalf("login frame = %+v", cmd)
	}
	if cmd.Args[0] != "key-1" || cmd.Args[1] != "pw" {
		t.Fatalf("login credentials = %v", cmd.Args)
	}
	if cmd.Args[3] != Sign(cmd.Args[2], "hush") {
		t.Fatalf("signature does not match timestamp %q", cmd.Args[2])
	}
}

func TestDecodeNoLoginWithoutPassword(t *testing.T) {
	d := NewDecode(models.AuthParams{APIKey: "key-1"})
	conn := &fakeConn{}
	ctx := pipeline.NewContext(context.Background(), pipeline.Connected)
	ctx.Conn = conn

	if err := d.Enter(ctx); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if len(conn.sent) != 0 {
		t.Fatalf("unexpected frames: %v", conn.sent)
	}
}

func TestSign(t *testing.T) {
	sig := Sign("1605186013.123", "hush")
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		t.Fatalf("signature not base64: %v", err)
	}
	if len(raw) != 32 {
		t.Fatalf("digest length = %d, want 32", len(raw))
	}
	if sig != Sign("1605186013.123", "hush") {
		t.Fatalf("signature not deterministic")
	}
	if sig == Sign("1605186013.123", "other") {
		t.Fatalf("signature ignores secret")
	}
}

func TestDecodeLeaveSerializesResponses(t *testing.T) {
	d := NewDecode(models.AuthParams{})
	ctx := pipeline.NewContext(context.Background(), pipeline.Connected)
	Subscribe(ctx, "swap/ticker:BTC-USD-SWAP")
	pipeline.AppendResponse(ctx, "already text")

	if err := d.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if len(ctx.Response) != 2 {
		t.Fatalf("response = %v", ctx.Response)
	}
	first, ok := ctx.Response[0].(string)
	if !ok || !strings.Contains(first, `"op":"subscribe"`) {
		t.Fatalf("response[0] = %v", ctx.Response[0])
	}
	if ctx.Response[1] != "already text" {
		t.Fatalf("response[1] = %v", ctx.Response[1])
	}
}

func TestOnChannel(t *testing.T) {
	ctx := dataCtx(nil)
	ctx.Data = map[string]any{"table": "swap/trade"}
	if !OnChannel(ctx, "swap/trade") {
		t.Fatalf("expected match")
	}
	if OnChannel(ctx, "swap/ticker") {
		t.Fatalf("unexpected match")
	}
	ctx.Signal = pipeline.Connected
	if OnChannel(ctx, "swap/trade") {
		t.Fatalf("matched outside data signal")
	}
}
