package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// CheckFunc reports whether the network is reachable.
type CheckFunc func(ctx context.Context) error

// ProberConfig contains prober configuration.
type ProberConfig struct {
	URL      string        `koanf:"url"`
	Interval time.Duration `koanf:"interval"`
	Timeout  time.Duration `koanf:"timeout"`
}

// DefaultProberConfig returns the default prober configuration.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		URL:      "https://exp.host",
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Prober periodically runs a check and publishes reachability transitions
// through an embedded Manual source.
type Prober struct {
	*Manual
	check    CheckFunc
	interval time.Duration
	timeout  time.Duration
}

// NewProber creates a prober. A nil check probes config.URL over HTTP.
// The prober starts offline until the first check succeeds.
func NewProber(config ProberConfig, check CheckFunc) *Prober {
	defaults := DefaultProberConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.URL == "" {
		config.URL = defaults.URL
	}
	if check == nil {
		check = HTTPCheck(&http.Client{}, config.URL)
	}

	return &Prober{
		Manual:   NewManual(false),
		check:    check,
		interval: config.Interval,
		timeout:  config.Timeout,
	}
}

// Run probes until ctx is done. The first probe runs immediately.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe runs a single check and records the result.
func (p *Prober) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(probeCtx)
	if err != nil && ctx.Err() != nil {
		return p.Online()
	}
	if err != nil {
		slog.Debug("connectivity probe failed", "error", err)
	}
	p.Set(err == nil)
	return err == nil
}

// HTTPCheck returns a check that succeeds when url answers with any status
// below 500.
func HTTPCheck(client *http.Client, url string) CheckFunc {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return fmt.Errorf("build probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("probe %s: %w", url, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
		}
		return nil
	}
}
