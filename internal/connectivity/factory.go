package connectivity

import (
	"fmt"

	"github.com/fyrsmithlabs/todosync/internal/config"
	"go.uber.org/zap"
)

// NewFromConfig builds a Monitor and its prober from the connectivity
// section. The returned close function releases prober resources.
func NewFromConfig(cfg config.ConnectivityConfig, logger *zap.Logger) (*Monitor, func() error, error) {
	var (
		prober  Prober
		closeFn = func() error { return nil }
	)

	switch cfg.Probe {
	case config.ProbeHTTP:
		prober = NewHTTPProber(cfg.ProbeURL, cfg.ProbeTimeout)
	case config.ProbeGRPC:
		p, err := NewGRPCProber(cfg.GRPCTarget, GRPCProberOptions{}, logger)
		if err != nil {
			return nil, nil, err
		}
		prober = p
		closeFn = p.Close
	case config.ProbeNone, "":
	default:
		return nil, nil, fmt.Errorf("connectivity: unknown probe %q", cfg.Probe)
	}

	m := NewMonitor(prober, Options{
		InitialHint:   true,
		ProbeTimeout:  cfg.ProbeTimeout,
		ProbeInterval: cfg.ProbeInterval,
	}, logger)
	return m, closeFn, nil
}
