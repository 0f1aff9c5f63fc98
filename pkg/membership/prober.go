package membership

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/go-resty/resty/v2"
)

// Prober checks whether the node behind endpoint is alive. Implementations
// must honor ctx cancellation.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

// FuncProber adapts a function to Prober.
type FuncProber func(ctx context.Context, endpoint string) error

func (f FuncProber) Probe(ctx context.Context, endpoint string) error { return f(ctx, endpoint) }

// HealthPath is served by every node's admin server.
const HealthPath = "/healthz"

// HTTPProber issues GET /healthz against the admin address of a node.
type HTTPProber struct {
	client *resty.Client
	path   string
}

// NewHTTPProber returns a prober using client, or a fresh resty client when nil.
func NewHTTPProber(client *resty.Client) *HTTPProber {
	if client == nil {
		client = resty.New()
	}
	return &HTTPProber{client: client, path: HealthPath}
}

func (p *HTTPProber) Probe(ctx context.Context, endpoint string) error {
	url := endpoint
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	resp, err := p.client.R().SetContext(ctx).Get(strings.TrimSuffix(url, "/") + p.path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("health check %s: status %d", endpoint, resp.StatusCode())
	}
	return nil
}

// TCPProber only checks that endpoint accepts connections.
type TCPProber struct {
	Dialer net.Dialer
}

func (p *TCPProber) Probe(ctx context.Context, endpoint string) error {
	conn, err := p.Dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return err
	}
	return conn.Close()
}
