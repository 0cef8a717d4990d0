package dialer

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/die-net/divert/internal/testutil"
)

func newHTTPDialer(t *testing.T, addr string) Dialer {
	t.Helper()

	f, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: time.Second}, &url.URL{Scheme: "http", Host: addr}, "", "")
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestHTTPProxyDialerDialSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	upLn, waitUp := testutil.StartHTTPConnectUpstream(t, ctx, http.StatusOK)

	conn, err := newHTTPDialer(t, upLn.Addr().String()).DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("hello"))

	_ = conn.Close()
	waitUp()
}

func TestHTTPProxyDialerDialNon2xx(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartHTTPConnectUpstream(t, ctx, http.StatusForbidden)

	_, err := newHTTPDialer(t, upLn.Addr().String()).DialContext(ctx, "tcp", "127.0.0.1:1")
	if err == nil {
		t.Fatalf("expected error")
	}

	waitUp()
}

func TestHTTPProxyDialerKeepsEarlyTunnelBytes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// A server-first destination whose banner arrives in the same read as
	// the CONNECT reply.
	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		buf := make([]byte, 1024)
		if _, err := c.Read(buf); err != nil {
			return
		}
		_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n220 ready\r\n")
	})

	conn, err := newHTTPDialer(t, upLn.Addr().String()).DialContext(ctx, "tcp", "mail.example:25")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	buf := make([]byte, len("220 ready\r\n"))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "220 ready\r\n" {
		t.Fatalf("got %q", buf)
	}

	waitUp()
}

func TestNewHTTPProxyDialerValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		u    *url.URL
	}{
		{"nil url", nil},
		{"no host", &url.URL{Scheme: "http"}},
		{"wrong scheme", &url.URL{Scheme: "socks5", Host: "proxy.example:1080"}},
	}

	for _, tt := range tests {
		if _, err := NewHTTPProxyDialer(Config{}, tt.u, "", ""); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}
