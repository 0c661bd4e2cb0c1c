package ingest

import (
	"context"
	"sync"
	"time"
)

// MidnightScheduler runs a job once at startup, then at every UTC midnight.
type MidnightScheduler struct {
	Run func(ctx context.Context)
	Now func() time.Time
}

// NextMidnight returns the first UTC midnight strictly after now.
func NextMidnight(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
}

// Start launches the schedule in a goroutine tracked by wg. It returns when ctx is cancelled.
func (m *MidnightScheduler) Start(ctx context.Context, wg *sync.WaitGroup) {
	now := m.Now
	if now == nil {
		now = time.Now
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		m.Run(ctx)
		for {
			timer := time.NewTimer(NextMidnight(now()).Sub(now()))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				m.Run(ctx)
			}
		}
	}()
}
