package llm

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is one payload line of a server-sent event stream.
type SSEEvent struct {
	Type string
	Data string
}

// SSEScanner reads server-sent events line by line. Chat-completion streams
// put one JSON document on each "data:" line, so every data line is surfaced
// as its own event instead of being joined with its neighbours. Comment lines
// (":" prefix) and unknown fields are skipped.
type SSEScanner struct {
	reader    *bufio.Reader
	current   SSEEvent
	eventType string
	err       error
}

func NewSSEScanner(r io.Reader) *SSEScanner {
	return &SSEScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next data line. It returns false at EOF or on a read
// error; Err distinguishes the two.
func (s *SSEScanner) Next() bool {
	s.current = SSEEvent{}
	if s.err != nil {
		return false
	}
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			return false
		}
		line = strings.TrimRight(line, "\r\n")
		if err != nil {
			// Partial last line without a trailing newline.
			s.err = err
		}

		switch {
		case line == "":
			s.eventType = ""
		case strings.HasPrefix(line, ":"):
		default:
			field, value, hasColon := strings.Cut(line, ":")
			if hasColon {
				value = strings.TrimPrefix(value, " ")
			} else {
				field, value = line, ""
			}
			switch field {
			case "data":
				s.current = SSEEvent{Type: s.eventType, Data: value}
				return true
			case "event":
				s.eventType = value
			}
		}
		if s.err != nil {
			return false
		}
	}
}

func (s *SSEScanner) Event() SSEEvent { return s.current }

// Err returns the first non-EOF error.
func (s *SSEScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
