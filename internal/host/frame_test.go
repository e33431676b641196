package host_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/Hussein-Mazeh/credvault/internal/host"
)

func frame(t *testing.T, msg any) []byte {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out := make([]byte, 4, 4+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(payload)))
	return append(out, payload...)
}

func readResponses(t *testing.T, r io.Reader) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out
			}
			t.Fatalf("read length: %v", err)
		}
		payload := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(r, payload); err != nil {
			t.Fatalf("read payload: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(payload, &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, m)
	}
}

func TestServeAnswersEachFrame(t *testing.T) {
	h := newHandler(t)
	var in bytes.Buffer
	in.Write(frame(t, map[string]any{"type": "HEALTH"}))
	in.Write(frame(t, map[string]any{"type": "GET_ALL_CREDENTIALS"}))
	in.Write(frame(t, map[string]any{"type": "BOGUS"}))

	var out bytes.Buffer
	if err := h.Serve(context.Background(), &in, &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	resps := readResponses(t, &out)
	if len(resps) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(resps))
	}
	if resps[0]["version"] != "test" {
		t.Fatalf("unexpected health response %v", resps[0])
	}
	if list, ok := resps[1]["credentials"].([]any); !ok || len(list) != 0 {
		t.Fatalf("expected empty credentials array, got %v", resps[1])
	}
	if resps[2]["error"] != "Unknown message type" {
		t.Fatalf("unexpected error response %v", resps[2])
	}
}

func TestServeRejectsOversizedFrame(t *testing.T) {
	h := newHandler(t)
	var in bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], host.MaxFrameSize+1)
	in.Write(lenBuf[:])

	err := h.Serve(context.Background(), &in, io.Discard)
	if !errors.Is(err, host.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestServeTruncatedFrame(t *testing.T) {
	h := newHandler(t)
	full := frame(t, map[string]any{"type": "HEALTH"})
	err := h.Serve(context.Background(), bytes.NewReader(full[:len(full)-2]), io.Discard)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestServeStopsOnCancelledContext(t *testing.T) {
	h := newHandler(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.Serve(ctx, bytes.NewReader(frame(t, map[string]any{"type": "HEALTH"})), io.Discard)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
