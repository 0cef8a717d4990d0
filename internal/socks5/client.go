package socks5

import (
	"net"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/divert/internal/errors"
)

// ErrAuthFailed is returned when the server rejects the supplied credentials
// or demands credentials that were not configured.
var ErrAuthFailed = errors.New(errors.KindValidation, "socks5: authentication failed")

// ClientDial negotiates with the server on conn and issues a CONNECT for
// address. conn is left positioned at the start of the tunnel.
func ClientDial(conn net.Conn, auth Auth, address string) error {
	if err := ClientNegotiate(conn, auth); err != nil {
		return err
	}
	return ClientConnect(conn, address)
}

func ClientNegotiate(conn net.Conn, auth Auth) error {
	methods := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}

	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(conn); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "socks5: write negotiation")
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "socks5: read negotiation")
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if auth.Username == "" {
			return ErrAuthFailed
		}

		if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(conn); err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "socks5: write userpass")
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
		if err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "socks5: read userpass")
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return ErrAuthFailed
		}
		return nil
	default:
		return errors.Errorf(errors.KindUnavailable, "socks5: unsupported negotiation method: %d", neg.Method)
	}
}

func ClientConnect(conn net.Conn, address string) error {
	atyp, dstAddr, dstPort, err := txsocks5.ParseAddress(address)
	if err != nil {
		return errors.Wrapf(err, errors.KindValidation, "socks5: parse address %q", address)
	}
	if atyp == txsocks5.ATYPDomain {
		dstAddr = dstAddr[1:]
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, dstAddr, dstPort).WriteTo(conn); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "socks5: write request")
	}

	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "socks5: read reply")
	}
	if rep.Rep != txsocks5.RepSuccess {
		return errors.Errorf(errors.KindUnavailable, "socks5: connect %s failed: reply %d", address, rep.Rep)
	}
	return nil
}
