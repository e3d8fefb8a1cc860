package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"testing"
	"time"
)

func TestNetstringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeNetstring(&buf, []byte(`{"method":"ping"}`)); err != nil {
		t.Fatalf("writeNetstring: %v", err)
	}
	got, err := readNetstring(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("readNetstring: %v", err)
	}
	if string(got) != `{"method":"ping"}` {
		t.Fatalf("got=%q", got)
	}
}

func TestStringParams(t *testing.T) {
	out := stringParams([]string{"a", "b"})
	if len(out) != 2 || out[0] != "a" || out[1] != "b" {
		t.Fatalf("out=%#v", out)
	}
}

// fakeEndpoint accepts one connection, decodes the netstring-framed
// request, and replies with a fixed netstring-framed response, enough to
// exercise doCall's dial/send/receive path without a real nsd instance.
func fakeEndpoint(t *testing.T, reply map[string]interface{}) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer lis.Close()
		if _, err := readNetstring(bufio.NewReader(conn)); err != nil {
			return
		}
		respBytes, _ := json.Marshal(reply)
		_ = writeNetstring(conn, respBytes)
	}()
	return lis.Addr().String()
}

func TestDoCallPrintsResponse(t *testing.T) {
	addr := fakeEndpoint(t, map[string]interface{}{"status": "alive"})
	var out bytes.Buffer
	if err := doCall(&out, addr, 2*time.Second, "ping", nil); err != nil {
		t.Fatalf("doCall: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("output not valid JSON: %v (%q)", err, out.String())
	}
	if decoded["status"] != "alive" {
		t.Fatalf("decoded=%#v", decoded)
	}
}

func TestDoCallDialFailureReturnsError(t *testing.T) {
	var out bytes.Buffer
	if err := doCall(&out, "127.0.0.1:1", 100*time.Millisecond, "ping", nil); err == nil {
		t.Fatalf("expected a dial error")
	}
}
