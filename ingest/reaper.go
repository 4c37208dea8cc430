/*
reaper.go - Closes reports abandoned mid-ingestion

PURPOSE:
  A report leaves "uploaded" when its pass finishes. If the process dies
  mid-file the report stays "uploaded" forever. The reaper periodically
  moves such reports to "error" so operators see them and re-upload.

DESIGN:
  - Background goroutine with a ticker, started and stopped by main
  - Runs once immediately on start
  - A report is stale when it has been "uploaded" for longer than StaleAfter
  - Re-uploading the same file is safe: deals, snapshots and transactions
    are idempotent

USAGE:
  reaper := NewReaper(store, ReaperOptions{Interval: 5*time.Minute, StaleAfter: time.Hour})
  reaper.Start()
  defer reaper.Stop()

SEE ALSO:
  - engine.go: the pass that normally closes reports
*/
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/observability"
)

// AbandonedMessage is recorded on reports closed by the reaper.
const AbandonedMessage = "ingestion abandoned"

type ReaperOptions struct {
	Interval   time.Duration
	StaleAfter time.Duration
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Reaper marks stale "uploaded" reports as "error".
type Reaper struct {
	Store      commission.ReportStore
	Interval   time.Duration
	StaleAfter time.Duration

	metrics *observability.Metrics
	log     zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
}

func NewReaper(store commission.ReportStore, opts ReaperOptions) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reaper{
		Store:      store,
		Interval:   opts.Interval,
		StaleAfter: opts.StaleAfter,
		metrics:    opts.Metrics,
		log:        opts.Logger.With().Str("component", "reaper").Logger(),
		now:        opts.Now,
	}
}

// Start begins periodic reaping. Calling Start twice is a no-op.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker != nil {
		return
	}
	r.ticker = time.NewTicker(r.Interval)
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go r.run(r.ticker, r.stop)

	r.log.Info().Dur("interval", r.Interval).Dur("stale_after", r.StaleAfter).Msg("reaper started")
}

// Stop halts the goroutine and waits for an in-progress pass.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker == nil {
		return
	}
	r.ticker.Stop()
	close(r.stop)
	r.wg.Wait()
	r.ticker = nil
	r.log.Info().Msg("reaper stopped")
}

func (r *Reaper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer r.wg.Done()

	r.reapLogged()
	for {
		select {
		case <-ticker.C:
			r.reapLogged()
		case <-stop:
			return
		}
	}
}

func (r *Reaper) reapLogged() {
	n, err := r.Reap(context.Background())
	if err != nil {
		r.log.Error().Err(err).Msg("reap failed")
		return
	}
	if n > 0 {
		r.log.Warn().Int("reports", n).Msg("abandoned reports closed")
	}
}

// Reap closes every stale report and returns how many it closed.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	now := r.now()
	stale, err := r.Store.ListStaleReports(ctx, now.Add(-r.StaleAfter))
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, rep := range stale {
		rep.ErrorCount++
		rep.Errors = append(rep.Errors, AbandonedMessage)
		rep.Complete(now)
		if err := r.Store.SaveReport(ctx, rep); err != nil {
			return closed, err
		}
		closed++
		r.log.Warn().Str("report_id", string(rep.ID)).Str("file", rep.FileName).
			Time("created_at", rep.CreatedAt).Msg("report abandoned")
	}
	if r.metrics != nil {
		r.metrics.ReportsReaped.Add(float64(closed))
	}
	return closed, nil
}
