package credential

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	cronlib "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/lkarlslund/chatbridge/pkg/logutil"
	"github.com/lkarlslund/chatbridge/pkg/upstream"
)

const refreshConcurrency = 4

type RefreshSummary struct {
	Refreshed int `json:"refreshed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Revoked   int `json:"revoked"`
}

// RefreshAll refreshes every valid secret. Without force, secrets whose
// cached credential is still fresh are skipped. One failing secret never
// stops the others; permanent failures move the secret to the invalid set.
func RefreshAll(ctx context.Context, store *Store, resolver *Resolver, force bool) RefreshSummary {
	var refreshed, skipped, failed, revoked atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, secret := range store.ListValid() {
		if !force && resolver.Cached(secret) {
			skipped.Add(1)
			continue
		}
		g.Go(func() error {
			if _, err := resolver.Refresh(gctx, secret); err != nil {
				failed.Add(1)
				if upstream.IsPermanentAuth(err) {
					store.MarkInvalid(secret)
					revoked.Add(1)
				}
				log.Warn("refresh failed", "secret", logutil.Redact(secret), "err", err)
				return nil
			}
			refreshed.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	sum := RefreshSummary{
		Refreshed: int(refreshed.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
		Revoked:   int(revoked.Load()),
	}
	log.Info("credential refresh finished", "force", force, "refreshed", sum.Refreshed, "skipped", sum.Skipped, "failed", sum.Failed, "revoked", sum.Revoked)
	return sum
}

// Scheduler runs a forced RefreshAll on a cron schedule.
type Scheduler struct {
	cron *cronlib.Cron
}

func NewScheduler(spec string, store *Store, resolver *Resolver) (*Scheduler, error) {
	parser := cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)
	c := cronlib.New(cronlib.WithParser(parser), cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		RefreshAll(ctx, store, resolver, true)
	}); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: c}, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running refresh to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Next reports the next scheduled run.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(time.Now())
}
