// Package sse reads Server-Sent Events from a byte stream.
package sse

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// Event is a single dispatched Server-Sent Event.
type Event struct {
	// Type is the "event:" field; empty means the default "message" type.
	Type string
	// ID is the last "id:" value seen on the stream, carried forward across
	// events as the W3C processing model requires.
	ID string
	// Data joins the "data:" lines of the event with "\n".
	Data string
	// Retry is the reconnection time advertised with "retry:", zero if the
	// event did not carry one.
	Retry time.Duration
}

// Scanner reads events from an io.Reader.
//
//	scanner := sse.NewScanner(resp.Body)
//	for scanner.Next() {
//	    ev := scanner.Event()
//	}
//	if err := scanner.Err(); err != nil { ... }
type Scanner struct {
	reader  *bufio.Reader
	current Event
	lastID  string
	err     error
}

// NewScanner returns a scanner with a 64 KiB read buffer.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event. It returns false at EOF or on error; use
// Err to tell them apart.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.current = Event{}

	var (
		dataLines []string
		eventType string
		retry     time.Duration
		hasData   bool
	)

	dispatch := func() {
		s.current = Event{
			Type:  eventType,
			ID:    s.lastID,
			Data:  strings.Join(dataLines, "\n"),
			Retry: retry,
		}
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				s.err = io.EOF
				if hasData {
					dispatch()
					return true
				}
				return false
			}
			s.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				dispatch()
				return true
			}
			eventType = ""
			retry = 0
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
			eventType = value
		case "id":
			// IDs containing NUL are ignored.
			if !strings.ContainsRune(value, 0) {
				s.lastID = value
			}
		case "retry":
			if ms, err := strconv.ParseUint(value, 10, 32); err == nil {
				retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

// Event returns the event parsed by the last successful Next.
func (s *Scanner) Event() Event { return s.current }

// Err returns the first non-EOF error encountered.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
