package provider

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// PoolConfig holds configuration for HTTP connection pooling
type PoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
	DialTimeout         time.Duration
	KeepAlive           time.Duration
}

// DefaultPoolConfig returns sensible defaults for connection pooling
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialTimeout:         5 * time.Second,
		KeepAlive:           30 * time.Second,
	}
}

// Pool is the pooled HTTP client for one provider. Per-call timeouts come
// from the request context, so the client itself has none.
type Pool struct {
	name      string
	client    *http.Client
	config    PoolConfig
	inFlight  atomic.Int32
	totalReqs atomic.Int64
	failures  atomic.Int64
}

func NewPool(name string, config PoolConfig) *Pool {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		ForceAttemptHTTP2: true,
	}

	p := &Pool{name: name, config: config}
	p.client = &http.Client{
		Transport: &countingTransport{next: transport, pool: p},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	return p
}

func (p *Pool) Client() *http.Client { return p.client }

// Stats reports pool usage for the admin surface.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Provider:        p.name,
		InFlight:        int(p.inFlight.Load()),
		TotalRequests:   p.totalReqs.Load(),
		TransportErrors: p.failures.Load(),
		MaxConnsPerHost: p.config.MaxConnsPerHost,
	}
}

func (p *Pool) Close() {
	if ct, ok := p.client.Transport.(*countingTransport); ok {
		if t, ok := ct.next.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}

type PoolStats struct {
	Provider        string `json:"provider"`
	InFlight        int    `json:"in_flight"`
	TotalRequests   int64  `json:"total_requests"`
	TransportErrors int64  `json:"transport_errors"`
	MaxConnsPerHost int    `json:"max_conns_per_host"`
}

type countingTransport struct {
	next http.RoundTripper
	pool *Pool
}

func (ct *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ct.pool.totalReqs.Add(1)
	ct.pool.inFlight.Add(1)
	defer ct.pool.inFlight.Add(-1)

	resp, err := ct.next.RoundTrip(req)
	if err != nil {
		ct.pool.failures.Add(1)
	}
	return resp, err
}

// Pools hands out one Pool per provider.
type Pools struct {
	mu     sync.Mutex
	pools  map[string]*Pool
	config PoolConfig
}

func NewPools(config PoolConfig) *Pools {
	return &Pools{pools: make(map[string]*Pool), config: config}
}

func (ps *Pools) Get(name string) *Pool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, ok := ps.pools[name]; ok {
		return p
	}
	p := NewPool(name, ps.config)
	ps.pools[name] = p
	return p
}

func (ps *Pools) Stats() []PoolStats {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]PoolStats, 0, len(ps.pools))
	for _, p := range ps.pools {
		out = append(out, p.Stats())
	}
	return out
}

func (ps *Pools) CloseAll() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, p := range ps.pools {
		p.Close()
	}
}
