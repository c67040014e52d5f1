package backup

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/logger"
	"github.com/lupppig/dbcycle/internal/manifest"
	"github.com/lupppig/dbcycle/internal/storage"
)

// RetentionPolicy keeps the newest backup of each day, ISO week, month and
// year, up to the given counts.
type RetentionPolicy struct {
	KeepDaily   int
	KeepWeekly  int
	KeepMonthly int
	KeepYearly  int
}

func (p RetentionPolicy) enabled() bool {
	return p.KeepDaily > 0 || p.KeepWeekly > 0 || p.KeepMonthly > 0 || p.KeepYearly > 0
}

type PruneManager struct {
	storage storage.Storage
	options PruneOptions
}

type PruneOptions struct {
	Retention       time.Duration
	Keep            int
	RetentionPolicy RetentionPolicy
	DBType          string
	DBName          string
	DryRun          bool
	Logger          *logger.Logger

	now func() time.Time
}

func NewPruneManager(s storage.Storage, opts PruneOptions) *PruneManager {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &PruneManager{
		storage: s,
		options: opts,
	}
}

// RetentionDays converts a day count into a retention window.
func RetentionDays(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// Prune deletes the backups of one engine and database that fall outside
// the retention settings and returns the names it removed. Only backups
// with a manifest are considered.
func (m *PruneManager) Prune(ctx context.Context) ([]string, error) {
	policy := m.options.RetentionPolicy
	if m.options.Retention == 0 && m.options.Keep == 0 && !policy.enabled() {
		return nil, nil
	}

	entries, err := storage.Catalog(ctx, m.storage, storage.CatalogFilter{
		Engine:   m.options.DBType,
		Database: m.options.DBName,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to list backups for pruning", "")
	}

	var backups []storage.Entry
	for _, e := range entries {
		if e.Manifest != nil {
			backups = append(backups, e)
		}
	}
	if len(backups) == 0 {
		return nil, nil
	}

	// false means keep, true means delete; absent means undecided.
	toDelete := make(map[string]bool)

	if m.options.Keep > 0 {
		for i := 0; i < len(backups) && i < m.options.Keep; i++ {
			toDelete[backups[i].Name] = false
		}
	}

	if policy.enabled() {
		m.applyGFSRetention(backups, toDelete)
	}

	if m.options.Retention > 0 {
		now := m.options.now()
		for _, b := range backups {
			if _, protected := toDelete[b.Name]; !protected && now.Sub(b.CreatedAt()) > m.options.Retention {
				toDelete[b.Name] = true
			}
		}
	}

	if m.options.Keep > 0 {
		for i := m.options.Keep; i < len(backups); i++ {
			if _, decided := toDelete[backups[i].Name]; !decided {
				toDelete[backups[i].Name] = true
			}
		}
	}

	var deleted []string
	for _, b := range backups {
		if !toDelete[b.Name] {
			continue
		}
		if m.options.DryRun {
			m.options.Logger.Info("Would prune backup", "file", b.Name)
			deleted = append(deleted, b.Name)
			continue
		}

		m.options.Logger.Info("Pruning old backup", "file", b.Name)
		if err := m.storage.Delete(ctx, b.Name); err != nil {
			m.options.Logger.Warn("Failed to prune backup file", "error", err, "file", b.Name)
			continue
		}
		if err := m.storage.Delete(ctx, b.Name+manifest.Ext); err != nil {
			m.options.Logger.Warn("Failed to prune manifest", "error", err, "file", b.Name+manifest.Ext)
		}
		deleted = append(deleted, b.Name)
	}
	return deleted, nil
}

func (m *PruneManager) applyGFSRetention(backups []storage.Entry, toKeep map[string]bool) {
	policy := m.options.RetentionPolicy

	keptDaily, keptWeekly, keptMonthly, keptYearly := 0, 0, 0, 0
	dailyBuckets := make(map[string]bool)
	weeklyBuckets := make(map[string]bool)
	monthlyBuckets := make(map[string]bool)
	yearlyBuckets := make(map[string]bool)

	// Newest first, so the first backup seen in a bucket is the one kept.
	for _, b := range backups {
		t := b.CreatedAt()
		y, mon, d := t.Date()
		wy, w := t.ISOWeek()

		dayKey := fmt.Sprintf("%d-%02d-%02d", y, mon, d)
		weekKey := fmt.Sprintf("%d-W%02d", wy, w)
		monthKey := fmt.Sprintf("%d-%02d", y, mon)
		yearKey := fmt.Sprintf("%d", y)

		keepThis := false

		if keptDaily < policy.KeepDaily && !dailyBuckets[dayKey] {
			dailyBuckets[dayKey] = true
			keptDaily++
			keepThis = true
		}
		if keptWeekly < policy.KeepWeekly && !weeklyBuckets[weekKey] {
			weeklyBuckets[weekKey] = true
			keptWeekly++
			keepThis = true
		}
		if keptMonthly < policy.KeepMonthly && !monthlyBuckets[monthKey] {
			monthlyBuckets[monthKey] = true
			keptMonthly++
			keepThis = true
		}
		if keptYearly < policy.KeepYearly && !yearlyBuckets[yearKey] {
			yearlyBuckets[yearKey] = true
			keptYearly++
			keepThis = true
		}

		if keepThis {
			toKeep[b.Name] = false
		} else if _, decided := toKeep[b.Name]; !decided {
			toKeep[b.Name] = true
		}
	}
}
