package sse

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
)

const defaultEventName = "message"

var frameSeparator = []byte("\n\n")

// Event is one decoded frame of a server-sent event stream. Data holds
// the frame's payload, already validated as JSON.
type Event struct {
	Name string
	Data json.RawMessage
}

// Decoder assembles events out of an incrementally delivered byte
// stream. Chunks may split frames at any byte boundary, including
// mid-line and mid-codepoint; partial frames are buffered until their
// terminating blank line arrives. A Decoder is bound to one reader and
// is not restartable.
type Decoder struct {
	r     io.Reader
	buf   bytes.Buffer
	chunk []byte
	log   *log.Logger
	err   error
}

func NewDecoder(r io.Reader, logger *log.Logger) *Decoder {
	return &Decoder{
		r:     r,
		chunk: make([]byte, 4096),
		log:   logger,
	}
}

// Next returns the next complete frame with valid JSON data. Frames
// whose data fails JSON parsing are dropped and the stream continues.
// It returns io.EOF once the underlying reader is exhausted.
func (d *Decoder) Next() (*Event, error) {
	for {
		if ev := d.takeFrame(); ev != nil {
			return ev, nil
		}

		if d.err != nil {
			return nil, d.err
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.buf.Write(d.chunk[:n])
		}
		if err != nil {
			// Drain buffered frames before surfacing the error.
			d.err = err
		}
	}
}

// takeFrame removes and parses the first complete frame in the buffer,
// skipping frames with unparseable data. It returns nil when no
// complete frame is buffered.
func (d *Decoder) takeFrame() *Event {
	for {
		raw := d.buf.Bytes()
		idx := bytes.Index(raw, frameSeparator)
		if idx < 0 {
			return nil
		}

		frame := make([]byte, idx)
		copy(frame, raw[:idx])
		d.buf.Next(idx + len(frameSeparator))

		if ev := parseFrame(frame, d.log); ev != nil {
			return ev
		}
	}
}

func parseFrame(frame []byte, logger *log.Logger) *Event {
	ev := &Event{Name: defaultEventName}

	for _, line := range bytes.Split(frame, []byte("\n")) {
		switch {
		case bytes.HasPrefix(line, []byte("event: ")):
			ev.Name = string(bytes.TrimPrefix(line, []byte("event: ")))
		case bytes.HasPrefix(line, []byte("data: ")):
			ev.Data = json.RawMessage(bytes.TrimPrefix(line, []byte("data: ")))
		}
	}

	if ev.Data == nil {
		return nil
	}

	if !json.Valid(ev.Data) {
		if logger != nil {
			logger.Printf("sse: dropping frame %q with invalid json", ev.Name)
		}
		return nil
	}

	return ev
}
