package sse

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhd3197/CachiBot-sub003/internal/testutil"
)

// chunkReader yields its chunks one per Read call, then io.EOF.
type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}

	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func decodeAll(t *testing.T, chunks [][]byte) []Event {
	t.Helper()

	dec := NewDecoder(&chunkReader{chunks: chunks}, testutil.TestLogger(t))
	var events []Event
	for {
		ev, err := dec.Next()
		if err != nil {
			assert.ErrorIs(t, err, io.EOF, "expected stream to end with EOF")
			return events
		}
		events = append(events, *ev)
	}
}

func TestDecoder(t *testing.T) {
	payload := "event: question\ndata: {\"question\":\"What is your name?\",\"index\":1,\"total\":3}\n\n" +
		"data: {\"content\":\"héllo wörld\"}\n\n" +
		"event: done\ndata: {}\n\n"

	t.Run("single chunk", func(t *testing.T) {
		events := decodeAll(t, [][]byte{[]byte(payload)})
		require.Len(t, events, 3, "expected 3 decoded events")

		assert.Equal(t, "question", events[0].Name, "expected event name from event line")
		assert.JSONEq(t, `{"question":"What is your name?","index":1,"total":3}`, string(events[0].Data))
		assert.Equal(t, "message", events[1].Name, "expected default event name when event line is absent")
		assert.Equal(t, "done", events[2].Name)
	})

	t.Run("identical output for every chunk splitting", func(t *testing.T) {
		expected := decodeAll(t, [][]byte{[]byte(payload)})

		raw := []byte(payload)
		for i := 1; i < len(raw); i++ {
			first := append([]byte(nil), raw[:i]...)
			second := append([]byte(nil), raw[i:]...)
			events := decodeAll(t, [][]byte{first, second})
			assert.Equalf(t, expected, events, "split at byte %d changed the decoded sequence", i)
		}
	})

	t.Run("byte at a time", func(t *testing.T) {
		var chunks [][]byte
		for _, b := range []byte(payload) {
			chunks = append(chunks, []byte{b})
		}

		events := decodeAll(t, chunks)
		assert.Equal(t, decodeAll(t, [][]byte{[]byte(payload)}), events,
			"expected byte-at-a-time delivery to decode identically")
	})
}

func TestDecoder_invalidJSONDropped(t *testing.T) {
	payload := "event: name\ndata: {\"name\":\"Trip Planning\"}\n\n" +
		"event: name\ndata: {not json\n\n" +
		"event: done\ndata: {}\n\n"

	events := decodeAll(t, [][]byte{[]byte(payload)})
	require.Len(t, events, 2, "expected the malformed frame to be dropped")
	assert.Equal(t, "name", events[0].Name)
	assert.Equal(t, "done", events[1].Name, "expected frames after the malformed one to still decode in order")
}

func TestDecoder_frameWithoutData(t *testing.T) {
	payload := "event: ping\n\n" + "data: {\"ok\":true}\n\n"

	events := decodeAll(t, [][]byte{[]byte(payload)})
	require.Len(t, events, 1, "expected dataless frame to be skipped")
	assert.Equal(t, "message", events[0].Name)
}

func TestDecoder_incompleteTrailingFrame(t *testing.T) {
	payload := "data: {\"ok\":true}\n\n" + "data: {\"truncat"

	events := decodeAll(t, [][]byte{[]byte(payload)})
	assert.Len(t, events, 1, "expected only the complete frame to be emitted")
}
