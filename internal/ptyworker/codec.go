package ptyworker

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/bytedance/sonic"
)

// wire is encoding/json compatible: []byte travels as base64, map keys are
// sorted, and HTML is escaped.
var wire = sonic.ConfigStd

// Encoder writes one JSON object per line. Safe for concurrent use; each
// message is written with a single Write call.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(v any) error {
	payload, err := wire.Marshal(v)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(payload)
	return err
}

// Decoder splits a stream into lines without a length limit.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next non-blank line, or io.EOF.
func (d *Decoder) Next() ([]byte, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

// DecodeEvent parses and validates one event line.
func DecodeEvent(line []byte) (Event, error) {
	raw, err := decodeObject(line)
	if err != nil {
		return Event{}, err
	}
	if err := ValidateEvent(raw); err != nil {
		return Event{}, err
	}
	var evt Event
	if err := wire.Unmarshal(line, &evt); err != nil {
		return Event{}, &InvalidMessageError{Type: evt.Type, Reason: err.Error()}
	}
	return evt, nil
}

// DecodeRequest parses and validates one request line. On a validation
// failure the returned id is the request's session id when one is readable.
func DecodeRequest(line []byte) (Request, int, error) {
	raw, err := decodeObject(line)
	if err != nil {
		return Request{}, 0, err
	}
	if err := ValidateRequest(raw); err != nil {
		id, _ := SessionIDOf(raw)
		return Request{}, id, err
	}
	var req Request
	if err := wire.Unmarshal(line, &req); err != nil {
		id, _ := SessionIDOf(raw)
		return Request{}, id, &InvalidMessageError{Type: req.Type, Reason: err.Error()}
	}
	return req, req.ID, nil
}

func decodeObject(line []byte) (map[string]any, error) {
	var raw map[string]any
	if err := wire.Unmarshal(line, &raw); err != nil {
		return nil, &InvalidMessageError{Reason: "malformed json: " + err.Error()}
	}
	return raw, nil
}
