package testutil

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
)

// StartSOCKS5Upstream starts a single-connection SOCKS5 proxy that serves
// one CONNECT. If user is non-empty, username/password authentication is
// required.
func StartSOCKS5Upstream(t *testing.T, ctx context.Context, user, pass string) (net.Listener, func()) {
	t.Helper()
	return StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		_ = serveSOCKS5(ctx, c, user, pass)
	})
}

func serveSOCKS5(ctx context.Context, c net.Conn, user, pass string) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(c)
	if err != nil {
		return err
	}

	want := byte(txsocks5.MethodNone)
	if user != "" {
		want = txsocks5.MethodUsernamePassword
	}
	if !containsMethod(neg.Methods, want) {
		// RFC 1928: 0xFF indicates no acceptable methods.
		_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(c)
		return nil
	}
	if _, err := txsocks5.NewNegotiationReply(want).WriteTo(c); err != nil {
		return err
	}

	if user != "" {
		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(c)
		if err != nil {
			return err
		}
		if string(urq.Uname) != user || string(urq.Passwd) != pass {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(c)
			return nil
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(c); err != nil {
			return err
		}
	}

	req, err := txsocks5.NewRequestFrom(c)
	if err != nil {
		return err
	}
	if req.Cmd != txsocks5.CmdConnect {
		_, _ = zeroReply(txsocks5.RepCommandNotSupported).WriteTo(c)
		return nil
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		_, _ = zeroReply(txsocks5.RepHostUnreachable).WriteTo(c)
		return nil
	}
	defer dst.Close()

	a, addr, port, err := txsocks5.ParseAddress(dst.LocalAddr().String())
	if err != nil {
		return err
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port).WriteTo(c); err != nil {
		return err
	}

	pipe(c, dst, c)
	return nil
}

// StartHTTPConnectUpstream starts a single-connection HTTP proxy that
// serves one CONNECT, answering with status when it is not 200.
func StartHTTPConnectUpstream(t *testing.T, ctx context.Context, status int) (net.Listener, func()) {
	t.Helper()
	return StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req.Body.Close()

		if req.Method != http.MethodConnect {
			status = http.StatusMethodNotAllowed
		}
		if status != http.StatusOK {
			_, _ = fmt.Fprintf(c, "HTTP/1.1 %d %s\r\n\r\n", status, http.StatusText(status))
			return
		}

		d := net.Dialer{}
		dst, err := d.DialContext(ctx, "tcp", req.Host)
		if err != nil {
			_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return
		}
		defer dst.Close()

		_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")
		pipe(c, dst, br)
	})
}

// pipe copies between client and dst until dst closes. Client bytes are
// read from r, which may buffer ahead of client.
func pipe(client, dst net.Conn, r io.Reader) {
	go func() {
		_, _ = io.Copy(dst, r)
		_ = dst.Close()
	}()
	_, _ = io.Copy(client, dst)
}

func zeroReply(rep byte) *txsocks5.Reply {
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
