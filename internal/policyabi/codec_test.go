package policyabi

import (
	"testing"
	"time"
)

// host.go's alloc/call/dealloc cycle is only exercisable against a real
// compiled WASM guest, so these tests cover the one piece that is pure
// Go on both sides of the boundary: the msgpack envelopes every entry
// point exchanges.

func TestEncodeDecodeNextInterval(t *testing.T) {
	want := nextIntervalRequest{LastNanos: int64(15 * time.Minute)}
	data, err := encode(&want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got nextIntervalRequest
	if err := decode(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestEncodeDecodeBounceRequest(t *testing.T) {
	want := bounceRequest{
		QueueID: "abc123",
		From:    "sender@example.com",
		To:      []string{"rcpt1@example.org", "rcpt2@example.org"},
		Code:    550,
		Reason:  "mailbox unavailable",
	}
	data, err := encode(&want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got bounceRequest
	if err := decode(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.QueueID != want.QueueID || got.From != want.From || got.Code != want.Code || got.Reason != want.Reason {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if len(got.To) != len(want.To) || got.To[0] != want.To[0] || got.To[1] != want.To[1] {
		t.Fatalf("recipients mismatch: got %v, want %v", got.To, want.To)
	}
}

func TestEncodeDecodeLogRequestOmitsEmptyFields(t *testing.T) {
	want := logRequest{Kind: "inflight_vanished", QueueID: "xyz"}
	data, err := encode(&want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got logRequest
	if err := decode(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	var raw map[string]interface{}
	if err := decode(data, &raw); err != nil {
		t.Fatalf("decode into map: %v", err)
	}
	if _, ok := raw["code"]; ok {
		t.Fatalf("zero code was encoded: %v", raw)
	}
	if _, ok := raw["reason"]; ok {
		t.Fatalf("empty reason was encoded: %v", raw)
	}
}

func TestEncodeDecodeFoundInflightDelayResponse(t *testing.T) {
	// policy_found_inflight_delay takes no arguments, but its response
	// still round-trips like any other envelope.
	want := foundInflightDelayResponse{DelayNanos: int64(time.Hour)}
	data, err := encode(&want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got foundInflightDelayResponse
	if err := decode(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
