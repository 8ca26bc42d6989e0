package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
)

// DefaultMaxFrameSize bounds a single SSE line. Data frames carry whole
// result sets, so this is far above bufio's default.
const DefaultMaxFrameSize = 32 << 20

var dataPrefix = []byte("data")

// Encoder writes events as SSE frames.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w. If w can flush (as an
// http.ResponseWriter does) every frame is flushed after it is written.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one "data: <json>" frame.
func (e *Encoder) Encode(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	e.flush()
	return nil
}

// Comment writes an SSE comment line, used as a keepalive.
func (e *Encoder) Comment(text string) error {
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		return err
	}
	e.flush()
	return nil
}

func (e *Encoder) flush() {
	if f, ok := e.w.(interface{ Flush() }); ok {
		f.Flush()
	}
}

// Decoder reads events from an SSE byte stream incrementally. Frames are
// separated by blank lines; data lines within a frame are joined with "\n".
// Comment lines and fields other than data are ignored. A frame that is not
// a JSON object with a type is logged and skipped.
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	pending []byte
	dropped int
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithLogger sets the logger used to report dropped frames.
func WithLogger(logger *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMaxFrameSize bounds the longest line the decoder accepts.
func WithMaxFrameSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.scanner.Buffer(make([]byte, 0, min(n, 64*1024)), n)
		}
	}
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		scanner: bufio.NewScanner(r),
		logger:  slog.Default(),
	}
	d.scanner.Buffer(make([]byte, 0, 64*1024), DefaultMaxFrameSize)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dropped returns how many malformed frames were skipped.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// Next returns the next event, or io.EOF once the stream is exhausted.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			if ev, ok := d.dispatch(); ok {
				return ev, nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], line[i+1:]
			value = bytes.TrimPrefix(value, []byte(" "))
		}
		if !bytes.Equal(field, dataPrefix) {
			continue
		}
		if len(d.pending) > 0 {
			d.pending = append(d.pending, '\n')
		}
		d.pending = append(d.pending, value...)
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	// A final frame without its blank-line terminator still counts.
	if ev, ok := d.dispatch(); ok {
		return ev, nil
	}
	return Event{}, io.EOF
}

// Events yields decoded events until a terminal event or the end of input.
// A read error is yielded once and ends the sequence.
func (d *Decoder) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(ev, nil) || ev.Type.Terminal() {
				return
			}
		}
	}
}

func (d *Decoder) dispatch() (Event, bool) {
	if len(d.pending) == 0 {
		return Event{}, false
	}
	frame := d.pending
	d.pending = d.pending[:0]

	ev, err := ParseEvent(frame)
	if err != nil {
		d.dropped++
		d.logger.Warn("Dropping malformed stream frame", "error", err, "bytes", len(frame))
		return Event{}, false
	}
	return ev, true
}

// ParseEvent decodes one frame payload.
func ParseEvent(frame []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, errors.New("parse event: missing type")
	}
	return ev, nil
}
