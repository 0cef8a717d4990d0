// Package config holds divert's daemon configuration: defaults, flag
// bindings, an optional YAML file and validation.
package config

import (
	"bytes"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/die-net/divert/internal/capture"
	"github.com/die-net/divert/internal/dialer"
	"github.com/die-net/divert/internal/engine"
	"github.com/die-net/divert/internal/errors"
)

type Config struct {
	// Listen is the redirect listener's host:port. Captured connections
	// are rewritten to arrive here.
	Listen string `yaml:"listen"`

	// Gateway is excluded from capture. When empty it is derived from a
	// proxy upstream's address, or from Listen for direct upstreams.
	Gateway  string `yaml:"gateway"`
	Upstream string `yaml:"upstream"`

	Workers         int           `yaml:"workers"`
	QueueNum        uint16        `yaml:"queue_num"`
	QueueLength     int           `yaml:"queue_length"`
	QueueTime       time.Duration `yaml:"queue_time"`
	Mark            uint32        `yaml:"mark"`
	ExcludeLoopback bool          `yaml:"exclude_loopback"`

	DialTimeout        time.Duration `yaml:"dial_timeout"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	TCPKeepAlive       string        `yaml:"tcp_keepalive"`

	DebugListen string `yaml:"debug_listen"`
	Verbose     bool   `yaml:"verbose"`
	Diagnostics bool   `yaml:"diagnostics"`
	Simulate    bool   `yaml:"simulate"`
}

func Default() Config {
	return Config{
		Listen:             "127.0.0.1:3129",
		Upstream:           defaultUpstream(),
		Workers:            4,
		QueueLength:        capture.DefaultQueueLength,
		QueueTime:          capture.DefaultQueueTime,
		Mark:               capture.DefaultMark,
		ExcludeLoopback:    true,
		DialTimeout:        10 * time.Second,
		NegotiationTimeout: 10 * time.Second,
		TCPKeepAlive:       "45:45:3",
	}
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}

// BindFlags registers a flag for every field of c, using c's current values
// as defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Listen, "listen", c.Listen, "Redirect listener address (e.g. 192.168.1.10:3129). Captured connections are rewritten to arrive here.")
	fs.StringVar(&c.Gateway, "gateway", c.Gateway, "Address:port excluded from capture. Defaults to the upstream proxy address.")
	fs.StringVar(&c.Upstream, "upstream", c.Upstream, "Upstream forwarding target URL: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")
	fs.IntVar(&c.Workers, "workers", c.Workers, "Number of packet dispatch workers (1-8)")
	fs.Uint16Var(&c.QueueNum, "queue-num", c.QueueNum, "NFQUEUE queue number")
	fs.IntVar(&c.QueueLength, "queue-length", c.QueueLength, "Maximum number of captured packets buffered for the workers")
	fs.DurationVar(&c.QueueTime, "queue-time", c.QueueTime, "Captured packets older than this when dequeued are dropped")
	fs.Uint32Var(&c.Mark, "mark", c.Mark, "Socket mark carried by injected packets and upstream connections; never captured")
	fs.BoolVar(&c.ExcludeLoopback, "exclude-loopback", c.ExcludeLoopback, "Do not capture connections over the loopback interface; set to false to redirect them too")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", c.DialTimeout, "Timeout for outbound DNS lookup and TCP connect")
	fs.DurationVar(&c.NegotiationTimeout, "negotiation-timeout", c.NegotiationTimeout, "Timeout for protocol negotiation to set up connection")
	fs.StringVar(&c.TCPKeepAlive, "tcp-keepalive", c.TCPKeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.StringVar(&c.DebugListen, "debug-listen", c.DebugListen, "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, "Enable per-connection error logging")
	fs.BoolVar(&c.Diagnostics, "diagnostics", c.Diagnostics, "Log every captured packet and state change")
	fs.BoolVar(&c.Simulate, "simulate", c.Simulate, "Run against an in-memory capture facility instead of NFQUEUE")
}

// Load reads a YAML file over Default. Unknown keys are rejected.
func Load(path string) (Config, error) {
	c := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrapf(err, errors.KindNotFound, "config: read %s", path)
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return c, errors.Wrapf(err, errors.KindValidation, "config: parse %s", path)
	}
	return c, nil
}

// Merge replaces *c, whose fields are bound to fs, with the contents of
// the YAML file at path, then reapplies every flag set on the command line.
func Merge(fs *pflag.FlagSet, c *Config, path string) error {
	set := map[string]string{}
	fs.Visit(func(f *pflag.Flag) {
		set[f.Name] = f.Value.String()
	})

	loaded, err := Load(path)
	if err != nil {
		return err
	}
	*c = loaded

	for name, val := range set {
		if err := fs.Set(name, val); err != nil {
			return errors.Wrapf(err, errors.KindValidation, "config: reapply --%s", name)
		}
	}
	return nil
}

func (c Config) Validate() error {
	if _, err := c.ListenAddrPort(); err != nil {
		return err
	}
	if _, err := c.GatewayAddrPort(); err != nil {
		return err
	}
	if c.Workers < 1 || c.Workers > engine.MaxWorkers {
		return errors.Errorf(errors.KindValidation, "config: workers must be between 1 and %d, got %d", engine.MaxWorkers, c.Workers)
	}
	if c.QueueLength <= 0 {
		return errors.New(errors.KindValidation, "config: queue length must be > 0")
	}
	if c.QueueTime <= 0 {
		return errors.New(errors.KindValidation, "config: queue time must be > 0")
	}
	if c.Mark == 0 {
		return errors.New(errors.KindValidation, "config: mark must be non-zero")
	}
	if _, err := c.KeepAlive(); err != nil {
		return err
	}
	return nil
}

// ListenAddrPort returns the parsed listener address. The address must be
// an IP literal with a non-zero port.
func (c Config) ListenAddrPort() (netip.AddrPort, error) {
	ap, err := parseAddrPort("listen", c.Listen)
	if err != nil {
		return ap, err
	}
	if ap.Addr().IsUnspecified() {
		return ap, errors.Errorf(errors.KindValidation, "config: listen address %s must be a specific address", c.Listen)
	}
	return ap, nil
}

// GatewayAddrPort returns the address excluded from capture.
func (c Config) GatewayAddrPort() (netip.AddrPort, error) {
	if c.Gateway != "" {
		return parseAddrPort("gateway", c.Gateway)
	}

	u, err := dialer.ParseUpstream(c.Upstream)
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(err, errors.KindValidation, "config: upstream")
	}
	if u.Scheme == "direct" {
		return c.ListenAddrPort()
	}

	ap, err := netip.ParseAddrPort(u.Host)
	if err != nil {
		return netip.AddrPort{}, errors.Errorf(errors.KindValidation, "config: upstream host %q is not an IP literal; set gateway explicitly", u.Host)
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

func parseAddrPort(name, s string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(err, errors.KindValidation, "config: %s", name)
	}
	if ap.Port() == 0 {
		return netip.AddrPort{}, errors.Errorf(errors.KindValidation, "config: %s port must be non-zero", name)
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// KeepAlive parses TCPKeepAlive.
func (c Config) KeepAlive() (net.KeepAliveConfig, error) {
	ka, err := parseTCPKeepAlive(c.TCPKeepAlive)
	if err != nil {
		return ka, errors.Wrap(err, errors.KindValidation, "config: tcp keepalive")
	}
	return ka, nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New(errors.KindValidation, "empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New(errors.KindValidation, "expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, errors.Wrap(err, errors.KindValidation, "keepidle")
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, errors.Wrap(err, errors.KindValidation, "keepintvl")
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, errors.Wrap(err, errors.KindValidation, "keepcnt")
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New(errors.KindValidation, "must be > 0")
	}
	return n, nil
}
