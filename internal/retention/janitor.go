// Package retention limits how long raw inbound email stays in the hot store.
//
// Processed emails (applied or conflict) older than the retention window are
// archived through a registered ArchiveDriver and then scrubbed: the raw
// message, body text and headers are cleared while the extraction results,
// profile link and audit fields stay queryable.
//
// Emails in pending or error status are never scrubbed because a retry needs
// the original text. Archive failures are fail-safe: nothing is scrubbed if
// the archive write fails.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/pkg/contracts"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// DefaultEmailRetentionDays applies when no window is configured.
const DefaultEmailRetentionDays = 30

// DefaultArchiveBatchSize is the max emails per archive write.
const DefaultArchiveBatchSize = 500

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	Scanned  int
	Archived int
	Scrubbed int
	Archives []string
	Errors   []error
}

// Options configure a Janitor.
type Options struct {
	// RetentionDays is the age past ProcessedAt after which bodies are scrubbed.
	RetentionDays int
	// Interval between cycles. Values under a minute fall back to one hour.
	Interval  time.Duration
	BatchSize int
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Janitor periodically archives and scrubs expired email bodies.
type Janitor struct {
	emails    store.EmailStore
	retention time.Duration
	interval  time.Duration
	batchSize int
	now       func() time.Time

	driverMu sync.RWMutex
	driver   contracts.ArchiveDriver
}

// NewJanitor creates a retention janitor over the email store.
func NewJanitor(emails store.EmailStore, opts Options) *Janitor {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = DefaultEmailRetentionDays
	}
	if opts.Interval < time.Minute {
		opts.Interval = time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultArchiveBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Janitor{
		emails:    emails,
		retention: time.Duration(opts.RetentionDays) * 24 * time.Hour,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		now:       opts.Now,
	}
}

// RegisterArchiver sets the archive backend. Without one the janitor only
// scrubs, which is an explicit opt-in made by not registering a driver.
func (j *Janitor) RegisterArchiver(driver contracts.ArchiveDriver) {
	j.driverMu.Lock()
	defer j.driverMu.Unlock()
	j.driver = driver
	log.Info().Str("kind", driver.Kind()).Msg("Archive driver registered")
}

func (j *Janitor) archiver() contracts.ArchiveDriver {
	j.driverMu.RLock()
	defer j.driverMu.RUnlock()
	return j.driver
}

// Start runs cycles until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	kind := "none"
	if d := j.archiver(); d != nil {
		kind = d.Kind()
	}
	log.Info().
		Dur("interval", j.interval).
		Dur("retention", j.retention).
		Str("archiver", kind).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.logCycle(j.RunOnce(ctx))

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.logCycle(j.RunOnce(ctx))
		}
	}
}

func (j *Janitor) logCycle(stats CycleStats) {
	for _, e := range stats.Errors {
		log.Warn().Err(e).Msg("Retention cycle error")
	}
	if stats.Scrubbed > 0 || stats.Archived > 0 {
		log.Info().
			Int("scanned", stats.Scanned).
			Int("archived", stats.Archived).
			Int("scrubbed", stats.Scrubbed).
			Strs("archives", stats.Archives).
			Msg("🧹 Retention cycle complete")
	}
}

// RunOnce performs a single sweep and reports what it did.
func (j *Janitor) RunOnce(ctx context.Context) CycleStats {
	var stats CycleStats
	cutoff := j.now().Add(-j.retention)

	var expired []models.EmailInteraction
	for _, status := range []models.SyncStatus{models.SyncApplied, models.SyncConflict} {
		list, err := j.emails.ListEmails(ctx, status, 0)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Errorf("list %s emails: %w", status, err))
			return stats
		}
		for _, e := range list {
			stats.Scanned++
			if e.ScrubbedAt != nil || e.ProcessedAt == nil || !e.ProcessedAt.Before(cutoff) {
				continue
			}
			expired = append(expired, e)
		}
	}

	for start := 0; start < len(expired); start += j.batchSize {
		if ctx.Err() != nil {
			stats.Errors = append(stats.Errors, ctx.Err())
			return stats
		}
		end := start + j.batchSize
		if end > len(expired) {
			end = len(expired)
		}
		j.processBatch(ctx, expired[start:end], &stats)
	}
	return stats
}

// processBatch archives one batch and scrubs it only if the archive succeeded.
func (j *Janitor) processBatch(ctx context.Context, batch []models.EmailInteraction, stats *CycleStats) {
	full := make([]models.EmailInteraction, 0, len(batch))
	for _, e := range batch {
		// List results omit the raw message; reload to archive it.
		got, err := j.emails.GetEmail(ctx, e.ID)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Errorf("load email %s: %w", e.ID, err))
			continue
		}
		full = append(full, *got)
	}
	if len(full) == 0 {
		return
	}

	if d := j.archiver(); d != nil {
		loc, err := d.ArchiveEmails(ctx, full)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Errorf("archive %d emails via %s: %w", len(full), d.Kind(), err))
			return
		}
		stats.Archived += len(full)
		stats.Archives = append(stats.Archives, loc)
	}

	now := j.now().UTC()
	for i := range full {
		e := &full[i]
		e.RawEmail = ""
		e.BodyText = ""
		e.Headers = nil
		e.ScrubbedAt = &now
		if err := j.emails.UpdateEmail(ctx, e); err != nil {
			stats.Errors = append(stats.Errors, fmt.Errorf("scrub email %s: %w", e.ID, err))
			continue
		}
		stats.Scrubbed++
	}
}
