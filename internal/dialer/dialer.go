package dialer

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/die-net/divert/internal/errors"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New parses upstream and constructs the appropriate outbound Dialer.
//
// Supported schemes:
//   - direct://
//   - http://[user:pass@]host:port
//   - https://[user:pass@]host:port
//   - socks5://[user:pass@]host:port
//
// For schemes that require a host, a default port is applied if the URL host is
// missing a port.
func New(cfg Config, upstream string) (Dialer, error) {
	u, err := ParseUpstream(upstream)
	if err != nil {
		return nil, err
	}

	var user, pass string
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}

	switch u.Scheme {
	case "direct":
		return NewDirectDialer(cfg)
	case "http", "https":
		return NewHTTPProxyDialer(cfg, u, user, pass)
	case "socks5":
		return NewSOCKS5ProxyDialer(cfg, u.Host, user, pass)
	default:
		return nil, errors.New(errors.KindInternal, "unreachable url scheme")
	}
}

// ParseUpstream validates upstream and normalizes its scheme and port.
func ParseUpstream(upstream string) (*url.URL, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "invalid url")
	}

	u.Scheme = strings.ToLower(u.Scheme)

	if u.Path != "" && u.Path != "/" {
		return nil, errors.New(errors.KindValidation, "invalid URL: path should be empty")
	}

	switch u.Scheme {
	case "":
		return nil, errors.New(errors.KindValidation, "invalid url: missing scheme")
	case "direct":
		return u, nil
	case "http", "https", "socks5":
		host := u.Hostname()
		if host == "" {
			return nil, errors.New(errors.KindValidation, "invalid url: missing host")
		}
		if u.Port() == "" {
			u.Host = net.JoinHostPort(host, defaultPortForScheme(u.Scheme))
		}
		return u, nil
	default:
		return nil, errors.Errorf(errors.KindValidation, "invalid url scheme: %q", u.Scheme)
	}
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	case "socks5":
		return "1080"
	default:
		return ""
	}
}
