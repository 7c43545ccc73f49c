package realtime

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Decoder splits a text/event-stream into event payloads. Only the data
// field matters here: the JSON message carries its own type tag.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next blocks until a complete event has been read and returns its data
// lines joined by "\n". A stream that ends mid-event discards the partial
// event and returns io.EOF.
func (d *Decoder) Next() ([]byte, error) {
	var data bytes.Buffer
	hasData := false
	for {
		line, err := d.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read event stream: %w", err)
		}
		atEOF := errors.Is(err, io.EOF)
		if atEOF && line == "" {
			return nil, io.EOF
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if hasData {
				return data.Bytes(), nil
			}
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			if field == "data" {
				if hasData {
					data.WriteByte('\n')
				}
				data.WriteString(value)
				hasData = true
			}
		}
		if atEOF {
			return nil, io.EOF
		}
	}
}
