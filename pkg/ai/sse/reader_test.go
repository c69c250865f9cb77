package sse

import (
	"io"
	"strings"
	"testing"
)

func TestNextParsesEvents(t *testing.T) {
	r := NewReader(strings.NewReader(
		"event: chunk\ndata: {\"a\":1}\n\n" +
			"data: [DONE]\n\n"))

	ev, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != "chunk" || ev.Data != `{"a":1}` {
		t.Fatalf("ev = %+v", ev)
	}

	ev, err = r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != "" || ev.Data != "[DONE]" {
		t.Fatalf("ev = %+v", ev)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("err = %v, want EOF", err)
	}
}

func TestNextJoinsMultilineData(t *testing.T) {
	r := NewReader(strings.NewReader("data: one\ndata: two\n\n"))
	ev, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Data != "one\ntwo" {
		t.Fatalf("data = %q", ev.Data)
	}
}

func TestNextSkipsCommentsAndBlankLines(t *testing.T) {
	r := NewReader(strings.NewReader("\n: keep-alive\n\ndata: x\n\n"))
	ev, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Data != "x" {
		t.Fatalf("data = %q", ev.Data)
	}
}

func TestNextFlushesTrailingEvent(t *testing.T) {
	// Stream ends without the final blank line.
	r := NewReader(strings.NewReader("data: last"))
	ev, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Data != "last" {
		t.Fatalf("data = %q", ev.Data)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("err = %v, want EOF", err)
	}
}
