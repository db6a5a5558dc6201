// Package policyabi bridges a sandboxed WebAssembly guest module into a
// queue.Policy. The guest is free to be written in any language that
// compiles to WASM; the contract between host and guest is the calling
// convention and wire encoding defined in this package, not a Go API.
package policyabi

import "github.com/vmihailenco/msgpack/v5"

// Every entry point exchanges a single msgpack-encoded value in each
// direction. Using a self-describing encoding (rather than a
// fixed-layout struct copy) means the host and guest never need to
// renegotiate a schema version — an older guest decoding a request with
// unknown trailing fields, or a newer one omitting optional ones, both
// degrade gracefully instead of reading garbage.

func encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func decode(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// nextIntervalRequest/Response implement Policy.NextInterval.
type nextIntervalRequest struct {
	LastNanos int64 `msgpack:"last_nanos"`
}
type nextIntervalResponse struct {
	NextNanos int64 `msgpack:"next_nanos"`
}

// ioErrorDelayRequest/Response implement Policy.IOErrorNextRetryDelay.
type ioErrorDelayRequest struct {
	LastNanos int64 `msgpack:"last_nanos"`
}
type ioErrorDelayResponse struct {
	NextNanos int64 `msgpack:"next_nanos"`
}

// foundInflightDelayResponse implements Policy.FoundInflightCheckDelay;
// the call takes no arguments.
type foundInflightDelayResponse struct {
	DelayNanos int64 `msgpack:"delay_nanos"`
}

// bounceRequest implements Policy.Bounce. The guest decides whether and
// how to bounce purely from this snapshot; it cannot call back into the
// host.
type bounceRequest struct {
	QueueID string   `msgpack:"queue_id"`
	From    string   `msgpack:"from"`
	To      []string `msgpack:"to"`
	Code    int      `msgpack:"code"`
	Reason  string   `msgpack:"reason"`
}
type bounceResponse struct {
	ShouldBounce bool `msgpack:"should_bounce"`
}

// logRequest implements every Policy Log* method; Kind distinguishes
// which one fired.
type logRequest struct {
	Kind    string `msgpack:"kind"`
	QueueID string `msgpack:"queue_id"`
	Code    int    `msgpack:"code,omitempty"`
	Reason  string `msgpack:"reason,omitempty"`
}
