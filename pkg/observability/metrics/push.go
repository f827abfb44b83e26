package metrics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// DefaultPushTimeout bounds a single push when no timeout is configured.
const DefaultPushTimeout = 10 * time.Second

// ErrInvalidPusherConfig is returned for unusable Pushgateway settings.
var ErrInvalidPusherConfig = errors.New("invalid pusher config")

// PusherConfig configures the Pushgateway client.
type PusherConfig struct {
	// URL of the Pushgateway, e.g. http://pushgateway:9091
	URL string
	// Job is the Pushgateway job label
	Job string
	// Grouping adds grouping key labels (for example instance)
	Grouping map[string]string
	Timeout  time.Duration
}

// Pusher replaces the metric group of one job on a Pushgateway.
type Pusher struct {
	pusher  *push.Pusher
	timeout time.Duration
}

// NewPusher creates a Pusher that pushes everything gathered by gatherer.
func NewPusher(cfg PusherConfig, gatherer prometheus.Gatherer) (*Pusher, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidPusherConfig)
	}
	job := strings.TrimSpace(cfg.Job)
	if job == "" {
		return nil, fmt.Errorf("%w: job is required", ErrInvalidPusherConfig)
	}
	if gatherer == nil {
		return nil, fmt.Errorf("%w: gatherer is required", ErrInvalidPusherConfig)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultPushTimeout
	}

	p := push.New(url, job).Gatherer(gatherer)
	for name, value := range cfg.Grouping {
		p = p.Grouping(name, value)
	}
	return &Pusher{pusher: p, timeout: timeout}, nil
}

// Push sends the current metric values, replacing the job's previous group.
func (p *Pusher) Push(ctx context.Context) error {
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
