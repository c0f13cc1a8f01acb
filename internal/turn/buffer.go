package turn

import (
	"encoding/base64"
	"errors"
	"strings"
	"sync"
)

var ErrBufferClosed = errors.New("turn buffer is closed")

// Fragment is one unit of raw client input: a decoded audio chunk for voice
// turns or a text delta for typed turns.
type Fragment struct {
	Audio []byte
	Text  string
}

// Payload is the assembled submittable unit a closed buffer yields.
type Payload struct {
	Origin      Origin
	AudioBase64 string
	Text        string
}

// Buffer accumulates input fragments into one turn payload. It holds no
// resources and does no I/O; Close is idempotent and Reset reopens it for
// the next capture.
type Buffer struct {
	mu      sync.Mutex
	origin  Origin
	closed  bool
	audio   []byte
	text    strings.Builder
	payload Payload
}

func NewBuffer(origin Origin) *Buffer {
	return &Buffer{origin: origin}
}

func (b *Buffer) Origin() Origin { return b.origin }

// Append adds a fragment in arrival order. Appending to a closed buffer is
// a caller bug and is rejected.
func (b *Buffer) Append(f Fragment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBufferClosed
	}
	if len(f.Audio) > 0 {
		b.audio = append(b.audio, f.Audio...)
	}
	if f.Text != "" {
		b.text.WriteString(f.Text)
	}
	return nil
}

// Close seals the buffer and returns the assembled payload: the ordered
// concatenation of every appended fragment. Calling Close again returns the
// same payload.
func (b *Buffer) Close() Payload {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return b.payload
	}
	b.closed = true
	b.payload = Payload{
		Origin: b.origin,
		Text:   b.text.String(),
	}
	if len(b.audio) > 0 {
		b.payload.AudioBase64 = base64.StdEncoding.EncodeToString(b.audio)
	}
	return b.payload
}

// Reset discards all state and reopens the buffer.
func (b *Buffer) Reset(origin Origin) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.origin = origin
	b.closed = false
	b.audio = nil
	b.text.Reset()
	b.payload = Payload{}
}
