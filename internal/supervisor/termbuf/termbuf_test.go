package termbuf

import (
	"fmt"
	"strings"
	"testing"
)

func TestCapacityBound(t *testing.T) {
	b := New(16)
	for i := 0; i < 100; i++ {
		b.Write([]byte("0123456789"))
	}
	if b.Len() > b.Capacity() {
		t.Fatalf("ring exceeded capacity: len=%d cap=%d", b.Len(), b.Capacity())
	}
}

func TestCaptureLinesRoundTrip(t *testing.T) {
	b := New(DefaultCapacity)
	var want []string
	for i := 0; i < 5; i++ {
		line := fmt.Sprintf("line-%d", i)
		want = append(want, line)
		b.Write([]byte(line + "\n"))
	}
	got := b.CaptureLines(5)
	got = strings.TrimSuffix(got, "\n")
	gotLines := strings.Split(got, "\n")
	if len(gotLines) != len(want) {
		t.Fatalf("got %d lines, want %d: %q", len(gotLines), len(want), got)
	}
	for i := range want {
		if gotLines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, gotLines[i], want[i])
		}
	}
}

func TestCaptureLinesPartial(t *testing.T) {
	b := New(DefaultCapacity)
	b.Write([]byte("a\nb\nc\nd\n"))
	got := strings.TrimSuffix(b.CaptureLines(2), "\n")
	if got != "c\nd" {
		t.Fatalf("got %q, want %q", got, "c\nd")
	}
}

func TestANSIStripped(t *testing.T) {
	b := New(DefaultCapacity)
	b.Write([]byte("\x1b[31mred\x1b[0m\n"))
	got := b.CaptureLines(1)
	if strings.Contains(got, "\x1b") {
		t.Fatalf("expected ANSI stripped, got %q", got)
	}
	if !strings.Contains(got, "red") {
		t.Fatalf("expected content preserved, got %q", got)
	}
}

func TestCaptureTruncates(t *testing.T) {
	b := New(DefaultCapacity)
	b.Write([]byte(strings.Repeat("x", 100) + "\n"))
	got := b.Capture(1, 10)
	if len(got) != 10 {
		t.Fatalf("got len %d, want 10", len(got))
	}
	if !strings.HasPrefix(got, "...") {
		t.Fatalf("expected truncation marker, got %q", got)
	}
}
