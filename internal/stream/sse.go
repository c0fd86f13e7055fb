package stream

import (
	"bufio"
	"io"
	"strings"
)

// Frame is a single server-sent event as read off the wire.
type Frame struct {
	// Event is the "event:" field. Empty when the server used the
	// default event type.
	Event string
	// ID is the last "id:" field seen in the frame.
	ID string
	// Data joins all "data:" lines with newlines.
	Data string
}

// SSEScanner reads server-sent events from an io.Reader.
//
// Frames are delimited by blank lines. Comment lines (starting with ":")
// and unknown fields are ignored.
type SSEScanner struct {
	reader  *bufio.Reader
	current Frame
	err     error
}

// NewSSEScanner creates a scanner that reads frames from r.
func NewSSEScanner(r io.Reader) *SSEScanner {
	return &SSEScanner{
		reader: bufio.NewReaderSize(r, 64*1024),
	}
}

// Next advances to the next frame. It returns false at EOF or on error;
// use Err to tell them apart.
func (s *SSEScanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.current = Frame{}

	var dataLines []string
	var event, id string
	hasData := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF && hasData {
				s.current = Frame{Event: event, ID: id, Data: strings.Join(dataLines, "\n")}
				s.err = io.EOF
				return true
			}
			s.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				s.current = Frame{Event: event, ID: id, Data: strings.Join(dataLines, "\n")}
				return true
			}
			event = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if !hasColon {
			field = line
			value = ""
		} else {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		case "event":
			event = value
		case "id":
			id = value
		}
	}
}

// Frame returns the most recently parsed frame.
func (s *SSEScanner) Frame() Frame {
	return s.current
}

// Err returns the first non-EOF error encountered.
func (s *SSEScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
