package model

import (
	"math"
	"testing"
)

func TestSliceLines(t *testing.T) {
	t.Parallel()

	src := []byte("one\ntwo\nthree\nfour")

	tests := []struct {
		name       string
		start, end int
		want       string
	}{
		{"first line", 1, 1, "one"},
		{"middle span", 2, 3, "two\nthree"},
		{"last line without newline", 4, 4, "four"},
		{"whole file", 1, 4, "one\ntwo\nthree\nfour"},
		{"end past eof", 3, 10, "three\nfour"},
		{"start past eof", 9, 9, ""},
		{"end before start", 2, 1, "two"},
		{"zero start", 0, 1, "one"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := SliceLines(src, tt.start, tt.end); got != tt.want {
				t.Errorf("SliceLines(%d, %d) = %q, want %q", tt.start, tt.end, got, tt.want)
			}
		})
	}
}

func TestSliceLinesKeepsCarriageReturns(t *testing.T) {
	t.Parallel()

	src := []byte("a\r\nb\r\n")
	if got := SliceLines(src, 1, 2); got != "a\r\nb\r" {
		t.Errorf("got %q", got)
	}
	if got := LineAt(src, 2); got != "b" {
		t.Errorf("LineAt = %q, want b", got)
	}
}

func TestFileRanksTotal(t *testing.T) {
	t.Parallel()

	fr := FileRanks{"a.py": 0.25, "b.py": 0.5, "c.py": 0.25}
	if math.Abs(fr.Total()-1.0) > 1e-12 {
		t.Errorf("Total = %f, want 1", fr.Total())
	}
	if FileRanks(nil).Total() != 0 {
		t.Error("nil ranks should total 0")
	}
}
