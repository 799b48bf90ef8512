package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrStreamAborted is returned when the caller cancels a stream mid-way.
var ErrStreamAborted = errors.New("assistant stream aborted")

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// readSize is the chunk size used by Decode.
const readSize = 4096

type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type lineResult int

const (
	lineSkipped lineResult = iota
	lineDelta
	lineDone
	lineIncomplete
)

// Decoder reassembles content deltas from a chunked event stream. Chunks may
// split lines and JSON payloads anywhere.
type Decoder struct {
	buf     []byte
	done    bool
	onDelta func(string)
}

// NewDecoder returns a decoder that calls onDelta for every non-empty
// content fragment, in stream order.
func NewDecoder(onDelta func(string)) *Decoder {
	return &Decoder{onDelta: onDelta}
}

// Done reports whether the [DONE] sentinel has been seen.
func (d *Decoder) Done() bool {
	return d.done
}

// Feed appends chunk and emits every delta it completes. It reports whether
// the stream has terminated.
func (d *Decoder) Feed(chunk []byte) bool {
	if d.done {
		return true
	}
	d.buf = append(d.buf, chunk...)

	for !d.done {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		if d.handle(d.buf[:idx]) == lineIncomplete {
			// Leave the line at the front of the buffer until more bytes
			// arrive or the stream ends.
			break
		}
		d.buf = d.buf[idx+1:]
	}
	if d.done {
		d.buf = nil
	}
	return d.done
}

// Flush processes whatever is left once the stream has ended. Payloads that
// still fail to parse are dropped.
func (d *Decoder) Flush() {
	rest := d.buf
	d.buf = nil
	if d.done || len(bytes.TrimSpace(rest)) == 0 {
		return
	}

	for _, line := range bytes.Split(rest, []byte{'\n'}) {
		if d.handle(line) == lineDone {
			return
		}
	}
}

func (d *Decoder) handle(line []byte) lineResult {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) == 0 || line[0] == ':' {
		return lineSkipped
	}
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return lineSkipped
	}

	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if string(payload) == doneSentinel {
		d.done = true
		return lineDone
	}

	var chunk completionChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return lineIncomplete
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
		return lineSkipped
	}

	if d.onDelta != nil {
		d.onDelta(chunk.Choices[0].Delta.Content)
	}
	return lineDelta
}

// Decode reads r to the end and calls onDelta for each content fragment.
// When ctx is cancelled it stops reading, drops anything buffered and returns
// ErrStreamAborted without further callbacks.
func Decode(ctx context.Context, r io.Reader, onDelta func(string)) error {
	dec := NewDecoder(onDelta)
	buf := make([]byte, readSize)

	for {
		if ctx.Err() != nil {
			return ErrStreamAborted
		}

		n, err := r.Read(buf)
		if ctx.Err() != nil {
			return ErrStreamAborted
		}
		if n > 0 && dec.Feed(buf[:n]) {
			return nil
		}

		if errors.Is(err, io.EOF) {
			dec.Flush()
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}
	}
}
