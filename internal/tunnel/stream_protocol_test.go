package tunnel

import (
	"bytes"
	"testing"
)

func TestProxyHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteProxyHeader(&buf, ProxyProtoTCP, "127.0.0.1:22"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := buf.Bytes()[0]; got != MsgProxy {
		t.Fatalf("first byte = %q want %q", got, MsgProxy)
	}
	buf.Next(1) // consume the already-dispatched message type byte

	proto, target, err := ReadProxyAddr(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if proto != ProxyProtoTCP {
		t.Fatalf("proto = %q want %q", proto, ProxyProtoTCP)
	}
	if target != "127.0.0.1:22" {
		t.Fatalf("target = %q", target)
	}
}

func TestAuthTokenRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteAuthToken(&buf, "tok-A"); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadAuthToken(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "tok-A" {
		t.Fatalf("got %q want tok-A", got)
	}
}

func TestLogRequestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteLogRequest(&buf, 50); err != nil {
		t.Fatalf("write request: %v", err)
	}
	count, err := ReadLogRequest(&buf)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	if count != 50 {
		t.Fatalf("count = %d want 50", count)
	}

	payload := []byte(`[{"level":"info","message":"hi"}]`)
	buf.Reset()
	if err := WriteLogResponse(&buf, payload); err != nil {
		t.Fatalf("write response: %v", err)
	}
	got, err := ReadLogResponse(&buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %s want %s", got, payload)
	}
}
