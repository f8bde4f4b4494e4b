package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VigilSec/go-api/vigil"
	"github.com/VigilSec/go-api/vigil/auditor"
	"github.com/VigilSec/go-api/vigil/detector"
	"github.com/VigilSec/go-api/vigil/events"
	"github.com/VigilSec/go-api/vigil/postgres"
	"github.com/VigilSec/go-api/vigil/postgres/models"
	"github.com/VigilSec/go-api/vigil/queue"
	"github.com/VigilSec/go-api/vigil/refcache"
	"github.com/VigilSec/go-api/vigil/reporter"
	"github.com/VigilSec/go-api/vigil/slogger"
	"github.com/VigilSec/go-api/vigil/store"
	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

// observationQueue is where collectors publish vigil.ObservedBatch messages.
const observationQueue = "vigil.observations"

func main() {
	_ = godotenv.Load()
	slogger.Init()

	if err := postgres.Connect(); err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	var reports *reporter.ReportManager
	kv, err := store.NewValkeyStore()
	if err != nil {
		slog.Warn("Valkey unavailable, audit reports will not be stored", "error", err)
	} else {
		defer kv.Close()
		reports = reporter.NewReportManager(kv)
	}

	registry := auditor.NewRegistry()
	configs := []auditor.Config{
		auditor.ResourcePolicyConfig("s3"),
		auditor.ResourcePolicyConfig("sqs"),
		auditor.ResourcePolicyConfig("sns"),
		auditor.ResourcePolicyConfig("kms", "Policies$*"),
	}
	for _, cfg := range configs {
		if err := registry.Register(cfg); err != nil {
			slog.Error("Failed to register auditor", "technology", cfg.Technology, "error", err)
			os.Exit(1)
		}
	}

	d := &daemon{
		db:       postgres.GetDB(),
		registry: registry,
		cache:    refcache.New(),
		reports:  reports,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runEventRetention(ctx, d.db)

	slog.Info("vigild starting", "queue", observationQueue, "technologies", registry.Technologies())
	queue.ListenWithRetry(ctx, observationQueue, d.handleMessage)
	slog.Info("vigild stopped")
}

const (
	eventRetentionDefaultDays = 90
	eventRetentionInterval    = 24 * time.Hour
)

// runEventRetention deletes events older than VIGIL_EVENT_RETENTION_DAYS
// (default 90) once a day and logs store statistics after each sweep.
func runEventRetention(ctx context.Context, db *gorm.DB) {
	days := eventRetentionDefaultDays
	if v := os.Getenv("VIGIL_EVENT_RETENTION_DAYS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			days = parsed
		} else {
			slog.Warn("Invalid VIGIL_EVENT_RETENTION_DAYS, using default", "value", v, "default", days)
		}
	}
	retention := time.Duration(days) * 24 * time.Hour

	ticker := time.NewTicker(eventRetentionInterval)
	defer ticker.Stop()
	for {
		deleted, err := events.DeleteOldEvents(db, retention)
		if err != nil {
			slog.Warn("Event retention sweep failed", "error", err)
		} else if deleted > 0 {
			slog.Info("Event retention sweep", "deleted", deleted, "retention_days", days)
		}
		if stats, err := events.GetEventStatistics(db); err == nil {
			slog.Info("Event store statistics", "total", stats.TotalEvents, "by_severity", stats.BySeverity)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type daemon struct {
	db       *gorm.DB
	registry *auditor.Registry
	cache    *refcache.Cache
	reports  *reporter.ReportManager
}

func (d *daemon) handleMessage(msg string) {
	var batch vigil.ObservedBatch
	if err := json.Unmarshal([]byte(msg), &batch); err != nil {
		slog.Error("Failed to decode observation batch", "error", err)
		return
	}
	if batch.Technology == "" || batch.Account == "" {
		slog.Error("Observation batch missing technology or account")
		return
	}

	if err := d.runPass(&batch); err != nil {
		slog.Error("Audit pass failed", "technology", batch.Technology, "account", batch.Account, "error", err)
		d.recordEvent(&models.Event{
			EventType:  models.EventTypeAuditPassFailed,
			Severity:   models.SeverityError,
			Title:      fmt.Sprintf("Audit pass failed for %s/%s", batch.Technology, batch.Account),
			EntityType: models.EntityTypeAuditPass,
			EntityID:   fmt.Sprintf("%s/%s", batch.Technology, batch.Account),
			Metadata:   models.JSONB{"error": err.Error()},
		})
	}
}

// runPass applies one observation batch: persist changes, inactivate items a
// complete sweep no longer sees, re-audit the technology/account pair, and
// store a fresh report.
func (d *daemon) runPass(batch *vigil.ObservedBatch) error {
	d.recordEvent(&models.Event{
		EventType:  models.EventTypeAuditPassStarted,
		Severity:   models.SeverityInfo,
		Title:      fmt.Sprintf("Audit pass started for %s/%s", batch.Technology, batch.Account),
		EntityType: models.EntityTypeAuditPass,
		EntityID:   fmt.Sprintf("%s/%s", batch.Technology, batch.Account),
		Metadata:   models.JSONB{"items": len(batch.Items), "complete": batch.Complete},
	})

	st := detector.NewStore(d.db)
	var created, changed, failed int
	for _, obs := range batch.Items {
		det, _, err := st.ProcessItem(obs, batch.EphemeralPaths, batch.HonorEphemerals)
		if err != nil {
			slog.Error("Failed to process observed item", "technology", batch.Technology, "name", obs.Name, "error", err)
			failed++
			continue
		}
		if !det.Changed {
			continue
		}
		switch det.Sub {
		case detector.SubCreated:
			created++
			d.recordItemEvent(models.EventTypeItemCreated, batch, obs.Name, obs.Region)
		default:
			changed++
			if det.Change == detector.ChangeDurable {
				d.recordItemEvent(models.EventTypeItemChanged, batch, obs.Name, obs.Region)
			}
		}
	}

	var deleted int
	if batch.Complete {
		gone, err := st.InactivateMissing(batch.Technology, batch.Account, batch.Items)
		if err != nil {
			return fmt.Errorf("failed to inactivate missing items: %w", err)
		}
		deleted = len(gone)
		for _, ci := range gone {
			d.recordItemEvent(models.EventTypeItemDeleted, batch, ci.Name, ci.Region)
		}
	}

	slog.Info("Batch applied",
		"technology", batch.Technology, "account", batch.Account,
		"created", created, "changed", changed, "deleted", deleted, "failed", failed)

	// Account and item state moved; the next classification must see it.
	d.cache.Reset()

	items, err := st.GetAllCurrent(batch.Technology, batch.Account, false)
	if err != nil {
		return fmt.Errorf("failed to load current items: %w", err)
	}

	for _, cfg := range d.registry.ForTechnology(batch.Technology) {
		a := auditor.New(d.db, d.cache, cfg)
		summary, err := a.AuditObjects(items)
		if err != nil {
			return fmt.Errorf("auditor %s failed: %w", cfg.Class, err)
		}
		saved, err := a.SaveIssues()
		if err != nil {
			return fmt.Errorf("auditor %s failed to save issues: %w", cfg.Class, err)
		}
		slog.Info("Auditor finished",
			"class", cfg.Class, "technology", batch.Technology, "account", batch.Account,
			"audited", summary.Audited, "check_failures", summary.Failed,
			"new", saved.New, "regressed", saved.Regressed, "unchanged", saved.Unchanged, "fixed", saved.Fixed)
	}

	if d.reports != nil {
		report, err := reporter.NewBuilder(d.db).Build(batch.Technology, []string{batch.Account}, false)
		if err != nil {
			return fmt.Errorf("failed to build report: %w", err)
		}
		if err := d.reports.SaveReport(context.Background(), report); err != nil {
			return fmt.Errorf("failed to store report: %w", err)
		}
		slog.Info("Report stored", "id", report.ID, "items", report.TotalItems, "score", report.TotalScore)
	}

	d.recordEvent(&models.Event{
		EventType:  models.EventTypeAuditPassComplete,
		Severity:   models.SeverityInfo,
		Title:      fmt.Sprintf("Audit pass completed for %s/%s", batch.Technology, batch.Account),
		EntityType: models.EntityTypeAuditPass,
		EntityID:   fmt.Sprintf("%s/%s", batch.Technology, batch.Account),
		Metadata:   models.JSONB{"created": created, "changed": changed, "deleted": deleted, "failed": failed},
	})
	return nil
}

func (d *daemon) recordItemEvent(eventType string, batch *vigil.ObservedBatch, name, region string) {
	d.recordEvent(&models.Event{
		EventType:  eventType,
		Severity:   models.SeverityInfo,
		Title:      fmt.Sprintf("%s: %s", eventType, name),
		EntityType: models.EntityTypeItem,
		EntityID:   fmt.Sprintf("%s/%s/%s/%s", batch.Technology, batch.Account, region, name),
	})
}

func (d *daemon) recordEvent(event *models.Event) {
	event.Service = "vigild"
	if err := events.Record(d.db, event); err != nil {
		slog.Warn("Failed to record event", "type", event.EventType, "error", err)
	}
}
