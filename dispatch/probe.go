package dispatch

import (
	"context"
	"time"
)

// StartProbeLoop pings every endpoint on the given interval until the
// context is cancelled. Probe outcomes feed the health tracker like
// ordinary traffic, so a recovered provider sheds its blacklist through
// a successful probe and a dead one keeps accumulating failures.
func (d *Dispatcher) StartProbeLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Probe once up front so the first dispatches have health data
	// instead of waiting a full interval.
	d.probeAllEndpoints(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.probeAllEndpoints(ctx)
		}
	}
}

func (d *Dispatcher) probeAllEndpoints(ctx context.Context) {
	for name, endpoint := range d.endpoints {
		probeCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		latency, err := endpoint.Ping(probeCtx)
		cancel()

		if err != nil {
			d.logger.Warnw("endpoint probe failed", "provider", name, "error", err)
			d.healthTracker.ReportFailure(ctx, name)
			continue
		}
		d.healthTracker.ReportSuccess(ctx, name)
		d.logger.Debugw("endpoint probe succeeded", "provider", name, "latency", latency)
	}
}
