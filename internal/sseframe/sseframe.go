// Package sseframe parses Server-Sent Event records off a byte stream.
// It handles exactly the subset of the SSE wire format the session protocol
// uses: "event:", "data:" (multi-line), "id:" and comment lines.
package sseframe

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// maxLineSize bounds a single SSE line. Progress snapshots arrive as one
// data line, so this must comfortably exceed the largest expected snapshot.
const maxLineSize = 1024 * 1024

// Frame is one server-sent event record.
//
// A record consisting only of comment lines (": keepalive") is returned
// with Comment=true so callers can treat it as connection liveness without
// decoding anything.
type Frame struct {
	Event   string
	Data    []byte
	ID      string
	Comment bool
}

// Scanner reads frames off an SSE stream.
type Scanner struct {
	scanner *bufio.Scanner
}

// NewScanner wraps a stream body.
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Scanner{scanner: s}
}

// Next returns the next frame. It blocks until a blank line terminates a
// record. Returns io.EOF when the stream ends cleanly and the underlying
// read error otherwise.
func (s *Scanner) Next() (*Frame, error) {
	frame := &Frame{}
	sawField := false
	sawComment := false
	var data [][]byte

	for s.scanner.Scan() {
		line := strings.TrimSuffix(s.scanner.Text(), "\r")

		if line == "" {
			// Blank line ends the record; skip leading blanks.
			if !sawField && !sawComment {
				continue
			}
			if !sawField {
				frame.Comment = true
				return frame, nil
			}
			frame.Data = bytes.Join(data, []byte("\n"))
			return frame, nil
		}

		if strings.HasPrefix(line, ":") {
			sawComment = true
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			frame.Event = value
			sawField = true
		case "data":
			data = append(data, []byte(value))
			sawField = true
		case "id":
			frame.ID = value
			sawField = true
		default:
			// Unknown fields are ignored per the SSE spec.
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}

	// Stream ended mid-record or cleanly; a dangling partial record is
	// dropped, matching browser EventSource behavior.
	return nil, io.EOF
}

// splitField separates "field: value", stripping the single optional space
// after the colon.
func splitField(line string) (string, string) {
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}
