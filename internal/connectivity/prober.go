package connectivity

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ErrProbeFailed wraps every probe failure.
var ErrProbeFailed = errors.New("connectivity: probe failed")

// Prober actively checks that the remote service answers.
type Prober interface {
	Probe(ctx context.Context) error
}

// StateWatcher is implemented by probers that can push reachability
// changes without being polled.
type StateWatcher interface {
	WatchState(ctx context.Context, callback func(online bool)) error
}

// HTTPProber issues a GET and treats any status below 500 as reachable.
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber creates an HTTP prober for url.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{url: url, client: &http.Client{Timeout: timeout}}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: HTTP %d", ErrProbeFailed, resp.StatusCode)
	}
	return nil
}

// GRPCProberOptions configures NewGRPCProber.
type GRPCProberOptions struct {
	// Service is the health service name; "" checks the whole server.
	Service string
	TLS     bool
}

// GRPCProber uses the standard gRPC health protocol.
type GRPCProber struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	service string
	logger  *zap.Logger
}

// NewGRPCProber dials target lazily and probes it with grpc.health.v1.
func NewGRPCProber(target string, opts GRPCProberOptions, logger *zap.Logger) (*GRPCProber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	creds := insecure.NewCredentials()
	if opts.TLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("connectivity: grpc client for %s: %w", target, err)
	}
	return &GRPCProber{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		service: opts.Service,
		logger:  logger,
	}, nil
}

// Probe implements Prober.
func (p *GRPCProber) Probe(ctx context.Context) error {
	resp, err := p.health.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: status %s", ErrProbeFailed, resp.GetStatus())
	}
	return nil
}

// WatchState forwards channel state changes: Ready reports online and
// TransientFailure reports offline. Idle and Connecting are not reported.
func (p *GRPCProber) WatchState(ctx context.Context, callback func(online bool)) error {
	go func() {
		for {
			state := p.conn.GetState()
			p.logger.Debug("grpc channel state", zap.String("state", state.String()))

			switch state {
			case connectivity.Ready:
				callback(true)
			case connectivity.TransientFailure:
				callback(false)
			case connectivity.Shutdown:
				return
			}

			if !p.conn.WaitForStateChange(ctx, state) {
				return
			}
		}
	}()
	return nil
}

// Close releases the connection.
func (p *GRPCProber) Close() error {
	return p.conn.Close()
}

// StaticProber returns a settable result. Used for the "none" probe (always
// reachable) and in tests.
type StaticProber struct {
	failing atomic.Bool
	calls   atomic.Int64
}

// NewStaticProber returns a prober that succeeds until SetReachable(false).
func NewStaticProber() *StaticProber {
	return &StaticProber{}
}

// SetReachable sets the probe outcome.
func (p *StaticProber) SetReachable(reachable bool) {
	p.failing.Store(!reachable)
}

// Calls returns how many probes ran.
func (p *StaticProber) Calls() int64 {
	return p.calls.Load()
}

// Probe implements Prober.
func (p *StaticProber) Probe(ctx context.Context) error {
	p.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	if p.failing.Load() {
		return fmt.Errorf("%w: unreachable", ErrProbeFailed)
	}
	return nil
}
