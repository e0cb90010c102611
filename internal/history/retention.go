package history

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Pruner is the part of Store the retention job needs.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// ScheduleRetention starts a cron job that deletes entries older than
// retention every interval. Callers stop the returned scheduler.
func ScheduleRetention(p Pruner, retention, interval time.Duration, log zerolog.Logger) (*cron.Cron, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("history retention must be positive, got %s", retention)
	}
	if interval < time.Second {
		interval = time.Hour
	}

	quartz := cron.New()
	_, err := quartz.AddFunc("@every "+interval.String(), func() {
		DoPrune(p, retention, log)
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling history retention: %w", err)
	}
	quartz.Start()
	return quartz, nil
}

// DoPrune runs one retention pass.
func DoPrune(p Pruner, retention time.Duration, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := p.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		log.Warn().Err(err).Msg("history prune failed")
		return
	}
	log.Debug().Int64("rows", n).Msg("history pruned")
}
