package persistence

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/multierr"

	"github.com/usbip-go/vhci-core/device"
	"github.com/usbip-go/vhci-core/metrics"
	"github.com/usbip-go/vhci-core/usbiperr"
)

// AttachFunc is the shape of vhci.Manager.PluginHardware the replay
// loop drives; kept as a function type to avoid persistence depending
// on package vhci.
type AttachFunc func(ctx context.Context, loc device.Location) (port int, err error)

// backoffUnit and maxBackoff are the constants of spec.md §4.10's
// get_delay formula, grounded in
// original_source/drivers/ude/persistent.cpp:get_delay (UNIT=10,
// MAX_DELAY=30*60 seconds).
const (
	backoffUnit = 10 * time.Second
	maxBackoff  = 30 * time.Minute
)

// delay computes the backoff before attempt (1-based) out of n total
// lines being replayed: the first two attempts run immediately, then
// delay grows linearly with attempt number, capped at maxBackoff.
func delay(attempt, n int) time.Duration {
	if attempt <= 2 {
		return 0
	}
	if n <= 0 {
		n = 1
	}
	d := backoffUnit * time.Duration(attempt) / time.Duration(n)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Replay attaches every line found under key in reg, retrying each one
// independently per spec.md §4.10 until it succeeds or a non-retryable
// error is observed. It returns once every line has either succeeded or
// been dropped, aggregating per-line errors with multierr so a single
// failure does not hide the rest.
func Replay(ctx context.Context, reg Registry, key string, attach AttachFunc, logger log.Logger, m *metrics.Metrics) error {
	raw, err := reg.ReadMultiString(key)
	if err != nil {
		return err
	}
	lines := ParseLines(raw)
	if len(lines) == 0 {
		return nil
	}

	var aggregate error
	for _, line := range lines {
		if err := replayOne(ctx, line.Location, attach, len(lines), logger, m); err != nil {
			aggregate = multierr.Append(aggregate, err)
		}
	}
	return aggregate
}

func replayOne(ctx context.Context, loc device.Location, attach AttachFunc, n int, logger log.Logger, m *metrics.Metrics) error {
	for attempt := 1; ; attempt++ {
		d := delay(attempt, n)
		if d > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		_, err := attach(ctx, loc)
		if err == nil {
			if m != nil {
				m.ReplayAttempts.WithLabelValues("success").Inc()
			}
			level.Info(logger).Log("msg", "replayed persistent attachment", "host", loc.Host, "busid", loc.BusID, "attempt", attempt)
			return nil
		}

		if !usbiperr.Retryable(err) {
			if m != nil {
				m.ReplayAttempts.WithLabelValues("dropped").Inc()
			}
			level.Warn(logger).Log("msg", "dropping persistent attachment after non-retryable error", "host", loc.Host, "busid", loc.BusID, "err", err)
			return err
		}
		if m != nil {
			m.ReplayAttempts.WithLabelValues("retry").Inc()
		}
		level.Debug(logger).Log("msg", "persistent attachment failed, will retry", "host", loc.Host, "busid", loc.BusID, "attempt", attempt, "err", err, "next_delay", delay(attempt+1, n))
	}
}
