package endpoint

import (
	"bufio"
	"bytes"
	"testing"
)

func TestNetstring_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeNetstring(&buf, []byte(`{"method":"ping"}`)); err != nil {
		t.Fatalf("writeNetstring: %v", err)
	}
	if err := writeNetstring(&buf, []byte("second")); err != nil {
		t.Fatalf("writeNetstring: %v", err)
	}

	r := bufio.NewReader(&buf)
	first, err := readNetstring(r)
	if err != nil {
		t.Fatalf("readNetstring(1): %v", err)
	}
	if string(first) != `{"method":"ping"}` {
		t.Fatalf("first=%q", first)
	}
	second, err := readNetstring(r)
	if err != nil {
		t.Fatalf("readNetstring(2): %v", err)
	}
	if string(second) != "second" {
		t.Fatalf("second=%q", second)
	}
}

func TestNetstring_RejectsOversizedLength(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("99999999999999:x,"))
	if _, err := readNetstring(r); err == nil {
		t.Fatalf("expected error for an out-of-bounds length")
	}
}

func TestNetstring_RejectsMissingTrailer(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("5:hello;"))
	if _, err := readNetstring(r); err == nil {
		t.Fatalf("expected error for a missing trailing comma")
	}
}
