package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"helmetwatch/internal/alerts"
	"helmetwatch/internal/eventbus"
	"helmetwatch/internal/model"
)

// Recorder persists bus events batched by a sink queue.
type Recorder struct {
	store        Store
	saveReadings bool
}

func NewRecorder(store Store, saveReadings bool) *Recorder {
	return &Recorder{store: store, saveReadings: saveReadings}
}

func (r *Recorder) Name() string { return "storage" }

func (r *Recorder) Write(ctx context.Context, batch []eventbus.Event) error {
	var readings []model.SensorReading
	var errs []error
	for _, ev := range batch {
		switch p := ev.Payload.(type) {
		case model.FallAlert:
			errs = append(errs, r.store.SaveAlert(ctx, alerts.FromFall(p)))
		case model.HazardAlert:
			errs = append(errs, r.store.SaveAlert(ctx, alerts.FromHazard(p)))
		case model.SensorReading:
			if r.saveReadings {
				readings = append(readings, p)
			}
		}
	}
	errs = append(errs, r.store.SaveReadings(ctx, readings))
	return errors.Join(errs...)
}

func (r *Recorder) Close() error {
	return r.store.Close()
}

// RunRetention prunes records older than days every interval until ctx is
// done. It returns immediately when retention is disabled.
func RunRetention(ctx context.Context, store Store, days int, interval time.Duration, logger *slog.Logger) {
	if store == nil || days <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	prune := func() {
		n, err := store.Prune(ctx, RetentionCutoff(time.Now(), days))
		if err != nil {
			if logger != nil && ctx.Err() == nil {
				logger.Warn("retention prune failed", "err", err)
			}
			return
		}
		if n > 0 && logger != nil {
			logger.Info("retention prune", "deleted", n, "retention_days", days)
		}
	}
	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
