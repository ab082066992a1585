package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestScannerBasic(t *testing.T) {
	t.Parallel()

	input := "event: status_update\nid: 7\ndata: {\"id\":\"list-1\"}\n\nevent: config_changed\ndata: {}\n\n"
	scanner := NewScanner(strings.NewReader(input))

	if !scanner.Next() {
		t.Fatal("expected first event")
	}
	ev := scanner.Event()
	if ev.Type != "status_update" {
		t.Errorf("Type = %q, want status_update", ev.Type)
	}
	if ev.ID != "7" {
		t.Errorf("ID = %q, want 7", ev.ID)
	}
	if ev.Data != `{"id":"list-1"}` {
		t.Errorf("Data = %q", ev.Data)
	}

	if !scanner.Next() {
		t.Fatal("expected second event")
	}
	ev = scanner.Event()
	if ev.Type != "config_changed" {
		t.Errorf("Type = %q, want config_changed", ev.Type)
	}
	// The last event id carries forward to events without an id field.
	if ev.ID != "7" {
		t.Errorf("ID = %q, want carried-over 7", ev.ID)
	}

	if scanner.Next() {
		t.Error("expected no more events")
	}
	if err := scanner.Err(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestScannerMultipleDataLines(t *testing.T) {
	t.Parallel()

	scanner := NewScanner(strings.NewReader("data: one\ndata: two\n\n"))
	if !scanner.Next() {
		t.Fatal("expected event")
	}
	if got := scanner.Event().Data; got != "one\ntwo" {
		t.Errorf("Data = %q, want %q", got, "one\ntwo")
	}
}

func TestScannerCommentsAndBlankBlocks(t *testing.T) {
	t.Parallel()

	scanner := NewScanner(strings.NewReader(": keepalive\n\n\n\ndata: x\n\n"))
	if !scanner.Next() {
		t.Fatal("expected event")
	}
	if got := scanner.Event().Data; got != "x" {
		t.Errorf("Data = %q, want x", got)
	}
	if scanner.Next() {
		t.Error("expected end of stream")
	}
}

func TestScannerRetryAndCarriageReturns(t *testing.T) {
	t.Parallel()

	scanner := NewScanner(strings.NewReader("retry: 1500\r\ndata:no-space\r\n\r\n"))
	if !scanner.Next() {
		t.Fatal("expected event")
	}
	ev := scanner.Event()
	if ev.Retry != 1500*time.Millisecond {
		t.Errorf("Retry = %v, want 1.5s", ev.Retry)
	}
	if ev.Data != "no-space" {
		t.Errorf("Data = %q, want no-space", ev.Data)
	}
}

func TestScannerNoTrailingNewline(t *testing.T) {
	t.Parallel()

	scanner := NewScanner(strings.NewReader("data: tail"))
	if !scanner.Next() {
		t.Fatal("expected final event without trailing blank line")
	}
	if got := scanner.Event().Data; got != "tail" {
		t.Errorf("Data = %q, want tail", got)
	}
	if scanner.Next() {
		t.Error("expected end of stream")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestScannerReadError(t *testing.T) {
	t.Parallel()

	scanner := NewScanner(io.MultiReader(strings.NewReader("data: partial\n"), failingReader{}))
	if scanner.Next() {
		t.Fatal("did not expect an event from a broken stream")
	}
	if err := scanner.Err(); err == nil || err.Error() != "connection reset" {
		t.Fatalf("Err() = %v, want connection reset", err)
	}
}
