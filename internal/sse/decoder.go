// Package sse decodes Server-Sent Events streams returned by upstream
// completion APIs.
package sse

import (
	"bufio"
	"io"
	"strings"
)

const maxLineBytes = 1 << 20

// Event is one dispatched SSE event.
type Event struct {
	Name string
	Data string
}

// Decoder reads events from an SSE body.
type Decoder struct {
	r    *bufio.Reader
	name string
	data []string
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next event with a non-empty data payload. Multi-line
// data is joined with "\n". It returns io.EOF once the body ends.
func (d *Decoder) Next() (Event, error) {
	for {
		line, err := d.readLine()
		if err != nil && err != io.EOF {
			return Event{}, err
		}

		if line == "" {
			if ev, ok := d.dispatch(); ok {
				return ev, nil
			}
			if err == io.EOF {
				return Event{}, io.EOF
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			d.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			d.data = append(d.data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}

		if err == io.EOF {
			if ev, ok := d.dispatch(); ok {
				return ev, nil
			}
			return Event{}, io.EOF
		}
	}
}

func (d *Decoder) dispatch() (Event, bool) {
	if len(d.data) == 0 {
		d.name = ""
		return Event{}, false
	}
	ev := Event{Name: d.name, Data: strings.Join(d.data, "\n")}
	d.name = ""
	d.data = d.data[:0]
	return ev, true
}

func (d *Decoder) readLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := d.r.ReadLine()
		if err != nil {
			if sb.Len() > 0 && err == io.EOF {
				return sb.String(), io.EOF
			}
			return sb.String(), err
		}
		if sb.Len()+len(chunk) > maxLineBytes {
			return "", bufio.ErrTooLong
		}
		sb.Write(chunk)
		if !isPrefix {
			return sb.String(), nil
		}
	}
}
