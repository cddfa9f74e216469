package sync

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"
)

// Probe reports whether the remote store is currently reachable.
type Probe interface {
	IsReachable(ctx context.Context) bool
}

// DialProbe checks reachability with a TCP dial to the remote endpoint and
// caches the answer briefly so bursts of cycles do not redial.
type DialProbe struct {
	Address string
	Timeout time.Duration
	TTL     time.Duration

	dial    func(ctx context.Context, network, address string) (net.Conn, error)
	now     func() time.Time
	mu      sync.Mutex
	last    bool
	checked time.Time
}

// NewDialProbe builds a probe for endpoint, which may be a URL
// ("https://dynamodb.eu-west-1.amazonaws.com") or a bare host:port.
func NewDialProbe(endpoint string, timeout time.Duration) *DialProbe {
	d := &net.Dialer{}
	return &DialProbe{
		Address: ProbeAddress(endpoint),
		Timeout: timeout,
		TTL:     2 * time.Second,
		dial:    d.DialContext,
		now:     time.Now,
	}
}

// ProbeAddress derives the host:port to dial from an endpoint.
func ProbeAddress(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	if u.Port() != "" {
		return u.Host
	}
	switch u.Scheme {
	case "http", "ws":
		return net.JoinHostPort(u.Hostname(), "80")
	default:
		return net.JoinHostPort(u.Hostname(), "443")
	}
}

// IsReachable implements Probe.
func (p *DialProbe) IsReachable(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if !p.checked.IsZero() && now.Sub(p.checked) < p.TTL {
		return p.last
	}

	dctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	conn, err := p.dial(dctx, "tcp", p.Address)
	p.last = err == nil
	p.checked = now
	if conn != nil {
		conn.Close()
	}
	return p.last
}

// StaticProbe returns a fixed, switchable answer.
type StaticProbe struct {
	mu        sync.Mutex
	reachable bool
	calls     int
}

// NewStaticProbe creates a probe answering reachable.
func NewStaticProbe(reachable bool) *StaticProbe {
	return &StaticProbe{reachable: reachable}
}

// Set changes the answer.
func (p *StaticProbe) Set(reachable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reachable = reachable
}

// Calls returns how many times the probe was consulted.
func (p *StaticProbe) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// IsReachable implements Probe.
func (p *StaticProbe) IsReachable(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.reachable
}
