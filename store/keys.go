package store

import "strings"

// Store key layout. Slash-separated throughout:
//
//	okex/{name}/{table}                  ordered index / instrument set
//	okex/{name}/{table}/{id}             one record
//	okex/{name}/{table}/{instId}         candle index per instrument
//	okex/{name}/{table}/{instId}/{ts}    one candle bucket
//	okex/{name}/event                    lifecycle channel
//	okex/{name}/status                   current connection status
const keyPrefix = "okex"

// Key joins path segments under the store prefix.
func Key(parts ...string) string {
	return keyPrefix + "/" + strings.Join(parts, "/")
}

// EventChannel is the lifecycle pub/sub channel of one connection.
func EventChannel(name string) string {
	return Key(name, "event")
}

// StatusKey holds the connection's last lifecycle state.
func StatusKey(name string) string {
	return Key(name, "status")
}

// TableChannel is the pub/sub channel carrying one table's frames.
func TableChannel(name, table string) string {
	return Key(name, table)
}
