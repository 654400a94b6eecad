package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single frame. Anything larger is treated as a
// protocol violation from a misbehaving sandbox.
const MaxFrameSize = 8 << 20

// FrameWriter writes length-prefixed JSON envelopes. Safe for concurrent use;
// the bridge's sys-call responder and hook caller share one writer.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write marshals the envelope and writes it as a 4-byte big-endian length
// prefix followed by the JSON body.
func (fw *FrameWriter) Write(env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := fw.w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = fw.w.Write(body)
	return err
}

// FrameReader reads length-prefixed JSON envelopes. Not safe for concurrent
// use; each bridge owns exactly one read loop.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Read blocks for the next frame. io.EOF is returned unwrapped so callers
// can detect a clean close.
func (fr *FrameReader) Read() (*Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(fr.r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &env, nil
}
