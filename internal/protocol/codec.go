package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

var ErrMalformedLine = errors.New("malformed protocol line")

// maxLineBytes bounds a single envelope. Result payloads can carry search
// hits for large batches, so the limit is generous.
const maxLineBytes = 10 * 1024 * 1024

// Writer encodes envelopes as newline-delimited JSON. It is safe for
// concurrent use; each envelope is written and flushed as a whole line, so
// concurrent writers can never interleave partial messages.
type Writer struct {
	mu  sync.Mutex
	buf *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{buf: bufio.NewWriter(w)}
}

func (w *Writer) Write(env Envelope) error {
	// JSON string escaping guarantees the encoded form contains
	// no raw newlines.
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.buf.Write(data); err != nil {
		return err
	}

	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}

	return w.buf.Flush()
}

// Reader decodes newline-delimited envelopes. A line that is not valid
// JSON yields ErrMalformedLine so callers can log and keep reading; a
// stray diagnostic line must never take down the pipe.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	return &Reader{scanner: scanner}
}

func (r *Reader) Read() (Envelope, error) {
	var env Envelope

	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return env, err
		}
		return env, io.EOF
	}

	line := r.scanner.Bytes()

	if err := json.Unmarshal(line, &env); err != nil {
		return env, fmt.Errorf("%w: %s", ErrMalformedLine, snippet(line))
	}

	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type: %s", ErrMalformedLine, snippet(line))
	}

	return env, nil
}

func snippet(line []byte) string {
	const max = 120

	if len(line) > max {
		return string(line[:max]) + "..."
	}

	return string(line)
}
