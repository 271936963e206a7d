package models

import "encoding/json"

// Control-plane response codes.
const (
	CodeOK          = 80000
	CodeDuplicate   = 80001
	CodeBadCommand  = 80010
	CodeUnknownName = 80011
)

// Reserved command ops. Anything else is forwarded to the named
// exchange connection verbatim.
const (
	OpOpen       = "open"
	OpClose      = "close"
	OpServers    = "servers"
	OpQuitServer = "quit_server"
)

// Command is one control message received on the listen channel.
// Args is kept raw: for open it holds credentials, for forwarded ops
// it holds exchange channel names.
type Command struct {
	ID   string          `json:"id,omitempty"`
	Op   string          `json:"op"`
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Info is the out-of-band response blob written to the per-id status key.
type Info struct {
	Event     string `json:"event"`
	Message   any    `json:"message"`
	ErrorCode int    `json:"errorCode"`
}

// AuthParams are the credentials carried by an open command. A
// connection without a password never attempts a signed login.
type AuthParams struct {
	APIKey   string `json:"apiKey"`
	Secret   string `json:"secret"`
	Password string `json:"password"`
}

// WSCommand is one frame sent upstream to the exchange socket.
type WSCommand struct {
	Op   string `json:"op"`
	Args []any  `json:"args"`
}

// CandleFields is the wire order of one OHLCV bucket's values.
var CandleFields = []string{"timestamp", "open", "high", "low", "close", "volume", "currency_volume"}

// CandleMap zips a candle value array into its named fields. Extra
// values are dropped, missing ones are left out.
func CandleMap(values []any) map[string]string {
	m := make(map[string]string, len(CandleFields))
	for i, name := range CandleFields {
		if i >= len(values) {
			break
		}
		if s, ok := values[i].(string); ok {
			m[name] = s
		}
	}
	return m
}
