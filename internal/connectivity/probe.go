package connectivity

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ProbeConfig configures reachability polling
type ProbeConfig struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
}

// ProbeSource considers the network reachable when a HEAD request to URL
// gets any HTTP response.
type ProbeSource struct {
	client   *resty.Client
	url      string
	interval time.Duration
	logger   *zap.Logger
	notifier notifier
}

// NewProbeSource creates a polling source
func NewProbeSource(cfg ProbeConfig, logger *zap.Logger) (*ProbeSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("probe URL is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProbeSource{
		client:   resty.New().SetTimeout(cfg.Timeout).SetRetryCount(0),
		url:      cfg.URL,
		interval: cfg.Interval,
		logger:   logger.Named("probe"),
	}, nil
}

// CurrentState implements Source
func (p *ProbeSource) CurrentState(ctx context.Context) (bool, error) {
	resp, err := p.client.R().SetContext(ctx).Head(p.url)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		p.logger.Debug("Probe failed", zap.String("url", p.url), zap.Error(err))
		return false, nil
	}
	p.logger.Debug("Probe succeeded", zap.String("url", p.url), zap.Int("status_code", resp.StatusCode()))
	return true, nil
}

// OnChange implements Source
func (p *ProbeSource) OnChange(fn func(connected bool)) func() {
	return p.notifier.subscribe(fn)
}

// Watch polls until ctx is done, publishing state changes
func (p *ProbeSource) Watch(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *ProbeSource) poll(ctx context.Context) {
	connected, err := p.CurrentState(ctx)
	if err != nil {
		return
	}
	p.notifier.publish(connected)
}
