package host

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize is the largest payload accepted in either direction.
	MaxFrameSize = 1 << 20
	bufferSize   = 1 << 16
)

// ErrFrameTooLarge reports a length prefix above MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// readFrame consumes one native messaging frame.
//
// Behavior:
//  1. Reads the 4-byte little-endian length prefix.
//  2. Rejects lengths above MaxFrameSize before allocating.
//  3. Reads the full payload.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// writeFrame encodes resp as JSON behind a length prefix and flushes it.
func writeFrame(w *bufio.Writer, resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: response is %d bytes", ErrFrameTooLarge, len(payload))
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

// Serve answers framed requests from r on w until r reaches EOF or ctx is
// cancelled. A clean EOF between frames returns nil.
func (h *Handler) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	reader := bufio.NewReaderSize(r, bufferSize)
	writer := bufio.NewWriterSize(w, bufferSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := readFrame(reader)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		resp := h.Handle(ctx, payload)
		if err := writeFrame(writer, resp); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
}
