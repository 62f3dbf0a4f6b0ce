package ws

import (
	"context"
	"time"

	"drawrelay/internal/relay"

	"go.uber.org/zap"
)

// Reaper periodically sweeps the registry and tears down rooms with no
// recent activity.
type Reaper struct {
	registry  *relay.Registry
	interval  time.Duration
	threshold time.Duration
}

func NewReaper(registry *relay.Registry, interval, threshold time.Duration) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}
	return &Reaper{registry: registry, interval: interval, threshold: threshold}
}

// Run starts the sweep loop and returns immediately; the loop stops when
// ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	tk := time.NewTicker(r.interval)
	go func() {
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				if n := r.registry.ReapIdle(r.threshold); n > 0 {
					zap.L().Info("ws.reaped_rooms", zap.Int("count", n))
				}
			}
		}
	}()
}
