// Package promote runs an upgrade against a restored copy of production,
// compares the result with a reference database and, after operator
// confirmation, applies the same upgrade to production.
package promote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/dbdelta/archive"
	"github.com/GoCodeAlone/dbdelta/audit"
	"github.com/GoCodeAlone/dbdelta/backup"
	"github.com/GoCodeAlone/dbdelta/check"
	"github.com/GoCodeAlone/dbdelta/database"
	"github.com/GoCodeAlone/dbdelta/metrics"
	"github.com/GoCodeAlone/dbdelta/observability/tracing"
	"github.com/GoCodeAlone/dbdelta/upgrade"
)

// ErrSameTarget is returned by Run, before anything is dumped, when the test
// target is the production database.
var ErrSameTarget = errors.New("promote: test target is the production database")

// Stage identifies one step of a run.
type Stage string

const (
	StageDump        Stage = "dump"
	StageRestore     Stage = "restore"
	StageTestUpgrade Stage = "test_upgrade"
	StageCompare     Stage = "compare"
	StageConfirm     Stage = "confirm"
	StageProdUpgrade Stage = "prod_upgrade"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomePromoted    Outcome = "promoted"
	OutcomeDeclined    Outcome = "declined"
	OutcomeDifferences Outcome = "differences"
	OutcomeFailed      Outcome = "failed"
)

// Comparator checks two databases for structural equivalence.
type Comparator interface {
	Compare(ctx context.Context, a, b database.Target, opts check.Options) (bool, *check.Report, error)
}

// Upgrader applies an upgrade plan to a target.
type Upgrader interface {
	Upgrade(ctx context.Context, target database.Target, plan upgrade.Plan) (*upgrade.Result, error)
}

// ConfirmFunc asks the operator a yes/no question and blocks until answered.
type ConfirmFunc func(prompt string) bool

// Targets names the three databases of a run.
type Targets struct {
	Production database.Target
	Test       database.Target // overwritten by the production backup
	Reference  database.Target // expected structure after the upgrade
}

// Request holds the parameters of one run. The same plan is used for the test
// and the production upgrade.
type Request struct {
	Targets             Targets
	BackupFile          string
	Plan                upgrade.Plan
	Check               check.Options
	ExcludeSchemas      []string // passed to backup and restore
	IgnoreRestoreErrors bool
}

// StageResult records one executed stage.
type StageResult struct {
	Stage   Stage
	Elapsed time.Duration
	Err     error
}

// Report describes a finished run.
type Report struct {
	RunID          string
	BackupFile     string
	ArchiveKey     string // set when the backup was archived
	Outcome        Outcome
	Stages         []StageResult
	TestUpgrade    *upgrade.Result
	ProdUpgrade    *upgrade.Result
	Differences    *check.Report
	RestoreWarning error // tolerated restore failure
}

// Success reports whether the run completed as designed. A declined
// confirmation is a deliberate abort, not a failure.
func (r *Report) Success() bool {
	return r.Outcome == OutcomePromoted || r.Outcome == OutcomeDeclined
}

// StageError reports the stage at which a run failed fatally.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// Orchestrator sequences the stages of a test-and-promote run.
type Orchestrator struct {
	backup     backup.Manager
	comparator Comparator
	upgrader   Upgrader
	confirm    ConfirmFunc

	archive  archive.Store
	tracer   *tracing.PipelineTracer
	metrics  *metrics.Collector
	audit    *audit.Logger
	logger   *slog.Logger
	newRunID func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithArchive copies every backup to s under the run ID.
func WithArchive(s archive.Store) Option { return func(o *Orchestrator) { o.archive = s } }

// WithTracer emits a span per run and per stage.
func WithTracer(t *tracing.PipelineTracer) Option { return func(o *Orchestrator) { o.tracer = t } }

// WithMetrics records stage durations and the run outcome, pushed when the run ends.
func WithMetrics(c *metrics.Collector) Option { return func(o *Orchestrator) { o.metrics = c } }

// WithAudit writes stage, confirmation and outcome events to l.
func WithAudit(l *audit.Logger) Option { return func(o *Orchestrator) { o.audit = l } }

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// New creates an Orchestrator. A nil confirm declines every promotion.
func New(b backup.Manager, c Comparator, u Upgrader, confirm ConfirmFunc, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backup:     b,
		comparator: c,
		upgrader:   u,
		confirm:    confirm,
		newRunID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.confirm == nil {
		o.confirm = func(string) bool { return false }
	}
	if o.tracer == nil {
		o.tracer = tracing.NewPipelineTracer(nil)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Run executes DUMP, RESTORE, TEST_UPGRADE, COMPARE, CONFIRM and PROD_UPGRADE
// in order. The report is always returned. The error is a *StageError when a
// stage failed fatally; differences and a declined confirmation end the run
// without an error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (rep *Report, err error) {
	rep = &Report{RunID: o.newRunID(), BackupFile: req.BackupFile}
	log := o.logger.With("run", rep.RunID)

	ctx, span := o.tracer.StartRun(ctx, rep.RunID)
	defer func() {
		if err != nil {
			rep.Outcome = OutcomeFailed
		}
		o.tracer.End(span, err)
		o.metrics.PromotionDone(string(rep.Outcome))
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		o.audit.LogOutcome(ctx, rep.RunID, string(rep.Outcome), rep.Success(), detail)
		if perr := o.metrics.Push(ctx); perr != nil {
			log.Warn("metrics push failed", "error", perr)
		}
		log.Info("test-and-promote finished", "outcome", rep.Outcome)
	}()

	t := req.Targets
	if sameDatabase(t.Production, t.Test) {
		return rep, fmt.Errorf("%w: %s", ErrSameTarget, t.Test)
	}
	log.Info("test-and-promote started",
		"production", t.Production.String(), "test", t.Test.String(), "reference", t.Reference.String())

	if err := o.stage(ctx, rep, StageDump, t.Production, func(ctx context.Context) error {
		if err := o.backup.Backup(ctx, t.Production, req.BackupFile, req.ExcludeSchemas); err != nil {
			return err
		}
		o.archiveBackup(ctx, rep, log)
		return nil
	}); err != nil {
		return rep, err
	}

	if err := o.stage(ctx, rep, StageRestore, t.Test, func(ctx context.Context) error {
		err := o.backup.Restore(ctx, t.Test, req.BackupFile, req.ExcludeSchemas)
		if err != nil && req.IgnoreRestoreErrors && backup.IsTolerable(err) {
			log.Warn("continuing with partially restored test database", "error", err)
			rep.RestoreWarning = err
			return nil
		}
		return err
	}); err != nil {
		return rep, err
	}

	if err := o.stage(ctx, rep, StageTestUpgrade, t.Test, func(ctx context.Context) error {
		res, err := o.upgrader.Upgrade(ctx, t.Test, req.Plan)
		rep.TestUpgrade = res
		return err
	}); err != nil {
		return rep, err
	}

	var equivalent bool
	if err := o.stage(ctx, rep, StageCompare, t.Test, func(ctx context.Context) error {
		var err error
		equivalent, rep.Differences, err = o.comparator.Compare(ctx, t.Test, t.Reference, req.Check)
		return err
	}); err != nil {
		return rep, err
	}
	if !equivalent {
		log.Warn("test database differs from reference, production left untouched",
			"differences", rep.Differences.Count())
		rep.Outcome = OutcomeDifferences
		return rep, nil
	}

	var approved bool
	_ = o.stage(ctx, rep, StageConfirm, t.Production, func(context.Context) error {
		approved = o.confirm(confirmPrompt(t, rep.TestUpgrade))
		o.audit.LogConfirmation(ctx, rep.RunID, t.Production.String(), approved)
		return nil
	})
	if !approved {
		log.Info("promotion declined, production left untouched")
		rep.Outcome = OutcomeDeclined
		return rep, nil
	}

	if err := o.stage(ctx, rep, StageProdUpgrade, t.Production, func(ctx context.Context) error {
		res, err := o.upgrader.Upgrade(ctx, t.Production, req.Plan)
		rep.ProdUpgrade = res
		from, to, applied := upgradeSummary(res)
		o.audit.LogUpgrade(ctx, rep.RunID, t.Production.String(), from, to, applied, err)
		return err
	}); err != nil {
		return rep, err
	}

	rep.Outcome = OutcomePromoted
	return rep, nil
}

// stage runs fn as stage s, recording its span, duration and audit entry.
func (o *Orchestrator) stage(ctx context.Context, rep *Report, s Stage, target database.Target, fn func(context.Context) error) error {
	ctx, span := o.tracer.StartStage(ctx, string(s))
	o.logger.Info("stage started", "run", rep.RunID, "stage", s, "target", target.String())
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	o.tracer.End(span, err)
	o.metrics.StageDone(string(s), elapsed, err)
	o.audit.LogStage(ctx, rep.RunID, string(s), target.String(), elapsed, err)
	rep.Stages = append(rep.Stages, StageResult{Stage: s, Elapsed: elapsed, Err: err})

	if err != nil {
		o.logger.Error("stage failed", "run", rep.RunID, "stage", s, "error", err)
		return &StageError{Stage: s, Err: err}
	}
	o.logger.Info("stage completed", "run", rep.RunID, "stage", s, "elapsed", elapsed.Round(time.Millisecond))
	return nil
}

// archiveBackup copies the backup file to the archive store. Failures are
// logged and do not invalidate the local backup.
func (o *Orchestrator) archiveBackup(ctx context.Context, rep *Report, log *slog.Logger) {
	if o.archive == nil {
		return
	}
	key, err := archive.Upload(ctx, o.archive, rep.RunID, rep.BackupFile)
	if err != nil {
		log.Warn("backup archive failed", "file", rep.BackupFile, "error", err)
		return
	}
	rep.ArchiveKey = key
	log.Info("backup archived", "key", key)
}

func confirmPrompt(t Targets, res *upgrade.Result) string {
	n := 0
	if res != nil {
		n = len(res.Applied)
	}
	return fmt.Sprintf("Test database %s matches %s after applying %d delta(s). Upgrade production database %s?",
		t.Test, t.Reference, n, t.Production)
}

func upgradeSummary(res *upgrade.Result) (from, to string, applied int) {
	if res == nil {
		return "", "", 0
	}
	if res.From != nil {
		from = res.From.String()
	}
	to = from
	if n := len(res.Applied); n > 0 {
		to = res.Applied[n-1].Version.String()
	}
	return from, to, len(res.Applied)
}

// sameDatabase reports whether a and b address one database. SQLite files
// are compared by absolute path.
func sameDatabase(a, b database.Target) bool {
	if a.Dialect != b.Dialect || a.DSN == "" || b.DSN == "" {
		return false
	}
	if a.Dialect == database.Postgres {
		return a.DataSource() == b.DataSource()
	}
	pa, errA := filepath.Abs(a.FilePath())
	pb, errB := filepath.Abs(b.FilePath())
	if errA != nil || errB != nil {
		return a.FilePath() == b.FilePath()
	}
	return pa == pb
}
