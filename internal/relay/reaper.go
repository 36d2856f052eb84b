package relay

import (
	"context"
	"log/slog"
	"time"
)

// Reaper drives Registry.Sweep on a fixed interval, independent of request
// traffic, so sessions nobody queries still get cleaned up.
type Reaper struct {
	reg      *Registry
	interval time.Duration
	log      *slog.Logger
}

func NewReaper(reg *Registry, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{reg: reg, interval: interval, log: logger}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := r.reg.SessionCount()
			r.reg.Sweep()
			if after := r.reg.SessionCount(); after != before {
				r.log.Debug("reaper sweep", "sessions_before", before, "sessions_after", after)
			}
		}
	}
}
