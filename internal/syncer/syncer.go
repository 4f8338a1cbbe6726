// Package syncer keeps configured spreadsheets in step with submission
// data. Each sheet binding ties a form to a spreadsheet; bindings are
// re-synced on a periodic schedule and incrementally whenever a submission
// event arrives for their form.
package syncer

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"git.home.luguber.info/inful/formsync/internal/config"
	fserrors "git.home.luguber.info/inful/formsync/internal/errors"
	"git.home.luguber.info/inful/formsync/internal/events"
	"git.home.luguber.info/inful/formsync/internal/export"
	"git.home.luguber.info/inful/formsync/internal/form"
	"git.home.luguber.info/inful/formsync/internal/logfields"
	"git.home.luguber.info/inful/formsync/internal/metrics"
	"git.home.luguber.info/inful/formsync/internal/sheets"
	"git.home.luguber.info/inful/formsync/internal/store"
)

// FormSource resolves form definitions by ID; nil means unknown form.
type FormSource interface {
	Get(formID string) *form.Definition
}

// bindingState tracks per-binding runtime state across sync runs.
type bindingState struct {
	cfg           config.SheetBinding
	spreadsheetID string // discovered after first create
	lastSyncedID  int64  // highest submission ID pushed in append mode
}

// Syncer drives periodic and event-triggered spreadsheet updates.
type Syncer struct {
	store     store.Store
	forms     FormSource
	builder   *sheets.ExportBuilder
	recorder  metrics.Recorder
	logger    *slog.Logger
	opts      export.Options
	interval  time.Duration
	scheduler gocron.Scheduler

	mu       sync.Mutex
	bindings map[string]*bindingState

	trigger  chan string // binding names needing a sync
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New builds a syncer over the configured sheet bindings.
func New(cfg config.SheetsConfig, exportOpts export.Options, st store.Store, forms FormSource, builder *sheets.ExportBuilder, recorder metrics.Recorder, logger *slog.Logger) (*Syncer, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fserrors.WrapError(err, fserrors.CategoryDaemon, "creating sync scheduler")
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}

	bindings := make(map[string]*bindingState, len(cfg.Bindings))
	for _, b := range cfg.Bindings {
		bindings[b.Name] = &bindingState{cfg: b, spreadsheetID: b.SpreadsheetID}
	}

	return &Syncer{
		store:     st,
		forms:     forms,
		builder:   builder,
		recorder:  recorder,
		logger:    logger,
		opts:      exportOpts,
		interval:  cfg.SyncInterval,
		scheduler: scheduler,
		bindings:  bindings,
		trigger:   make(chan string, 64),
		stopChan:  make(chan struct{}),
	}, nil
}

// Start schedules the periodic full sync and begins draining triggers.
func (s *Syncer) Start(ctx context.Context) error {
	if s.interval > 0 {
		_, err := s.scheduler.NewJob(
			gocron.DurationJob(s.interval),
			gocron.NewTask(func() { s.SyncAll(ctx) }),
			gocron.WithName("sheet-sync"),
		)
		if err != nil {
			return fserrors.WrapError(err, fserrors.CategoryDaemon, "scheduling periodic sheet sync")
		}
		s.scheduler.Start()
	}

	s.wg.Add(1)
	go s.triggerLoop(ctx)

	s.logger.Info("sheet syncer started",
		slog.Int("bindings", len(s.bindings)),
		slog.Duration("interval", s.interval))
	return nil
}

// Stop shuts the scheduler and trigger loop down.
func (s *Syncer) Stop() error {
	close(s.stopChan)
	s.wg.Wait()
	return s.scheduler.Shutdown()
}

// HandleEvent queues a sync for every binding watching the event's form.
// Satisfies the event bus handler signature.
func (s *Syncer) HandleEvent(event events.SubmissionEvent) {
	s.mu.Lock()
	var names []string
	for name, b := range s.bindings {
		if b.cfg.FormID == event.FormID {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	for _, name := range names {
		select {
		case s.trigger <- name:
		default:
			// queue is full, the periodic sync will catch up
		}
	}
}

func (s *Syncer) triggerLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case name := <-s.trigger:
			if err := s.SyncBinding(ctx, name); err != nil {
				s.logger.Error("event-triggered sync failed",
					logfields.SheetBinding(name),
					logfields.Error(err))
			}
		}
	}
}

// SyncAll runs every binding once, logging failures and carrying on.
func (s *Syncer) SyncAll(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.bindings))
	for name := range s.bindings {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		if err := s.SyncBinding(ctx, name); err != nil {
			s.logger.Error("sheet sync failed",
				logfields.SheetBinding(name),
				logfields.Error(err))
		}
	}
}

// SyncBinding pushes the binding's form data to its spreadsheet. The first
// run creates the spreadsheet when none is configured. In append mode only
// submissions newer than the last synced ID are written; otherwise the
// whole table is rewritten.
func (s *Syncer) SyncBinding(ctx context.Context, name string) error {
	s.mu.Lock()
	b, ok := s.bindings[name]
	s.mu.Unlock()
	if !ok {
		return fserrors.NotFound("sheet binding " + name)
	}

	runID := uuid.NewString()
	started := time.Now()
	logger := s.logger.With(logfields.SheetBinding(name), logfields.JobID(runID))

	err := s.syncOnce(ctx, b, logger)
	elapsed := time.Since(started)
	s.recorder.ObserveSyncDuration(name, elapsed, err == nil)
	if err != nil {
		s.recorder.IncSyncOutcome(name, "failed")
		return err
	}
	s.recorder.IncSyncOutcome(name, "success")
	logger.Info("sheet sync complete", logfields.DurationMS(float64(elapsed.Milliseconds())))
	return nil
}

func (s *Syncer) syncOnce(ctx context.Context, b *bindingState, logger *slog.Logger) error {
	def := s.forms.Get(b.cfg.FormID)
	if def == nil {
		return fserrors.NotFound("form " + b.cfg.FormID)
	}

	subs, err := s.store.List(ctx, b.cfg.FormID, store.ListOptions{})
	if err != nil {
		return err
	}

	s.mu.Lock()
	spreadsheetID := b.spreadsheetID
	lastSyncedID := b.lastSyncedID
	s.mu.Unlock()

	records := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		records = append(records, sub.Record())
	}

	flattener := export.NewFlattener(def, s.opts)
	result, err := flattener.Flatten(records)
	if err != nil {
		return err
	}

	// sheet rows carry a leading _index sequence column
	header := append([]string{"_index"}, flattener.HeaderRows(result.Columns)[0]...)
	rows := make([][]string, 0, len(result.Rows))
	var newRows [][]string
	var maxID int64
	for i, row := range result.Rows {
		rendered := append([]string{strconv.Itoa(i + 1)}, flattener.RenderRow(row, result.Columns)...)
		rows = append(rows, rendered)
		if subs[i].ID > lastSyncedID {
			newRows = append(newRows, rendered)
		}
		if subs[i].ID > maxID {
			maxID = subs[i].ID
		}
	}

	if spreadsheetID == "" {
		id, err := s.builder.Export(ctx, def.Title, header, rows)
		if err != nil {
			return err
		}
		s.mu.Lock()
		b.spreadsheetID = id
		b.lastSyncedID = maxID
		s.mu.Unlock()
		logger.Info("created export spreadsheet",
			logfields.SpreadsheetID(id),
			slog.String("url", sheets.SpreadsheetURL(id)))
		s.recorder.SetSheetRows(b.cfg.Name, len(rows))
		return nil
	}

	if b.cfg.Append {
		if len(newRows) == 0 {
			s.recorder.IncSyncOutcome(b.cfg.Name, "skipped")
			return nil
		}
		if err := s.builder.LiveUpdate(ctx, spreadsheetID, header, newRows, true); err != nil {
			return err
		}
	} else {
		if err := s.builder.LiveUpdate(ctx, spreadsheetID, header, rows, false); err != nil {
			return err
		}
	}

	s.mu.Lock()
	b.lastSyncedID = maxID
	s.mu.Unlock()
	s.recorder.SetSheetRows(b.cfg.Name, len(rows))
	return nil
}

// SpreadsheetIDs reports the current binding-to-spreadsheet mapping,
// including IDs assigned by first-run creation.
func (s *Syncer) SpreadsheetIDs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.bindings))
	for name, b := range s.bindings {
		out[name] = b.spreadsheetID
	}
	return out
}
