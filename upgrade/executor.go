// Package upgrade resolves and applies pending delta units against a target
// database, recording each one in the ledger.
package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/GoCodeAlone/dbdelta/database"
	"github.com/GoCodeAlone/dbdelta/delta"
	"github.com/GoCodeAlone/dbdelta/ledger"
	"github.com/GoCodeAlone/dbdelta/metrics"
	"github.com/GoCodeAlone/dbdelta/observability/tracing"
)

// State is the executor state of a run.
type State string

const (
	StateResolving State = "resolving"
	StateApplying  State = "applying"
	StateApplied   State = "applied"
	StateFailed    State = "failed"
)

// Plan is everything an upgrade run needs besides the target.
type Plan struct {
	Table      string   // qualified ledger table
	Dirs       []string // delta directories, handed to program units
	Units      []delta.Unit
	Pre        []delta.Script
	Post       []delta.Script
	Variables  delta.Variables
	MaxVersion *delta.Version
}

// Result describes the outcome of a run. Applied holds the units committed
// before the run ended; Failed is set when a unit could not be applied.
type Result struct {
	Target  string
	State   State
	From    *delta.Version
	Pending []delta.Unit
	Applied []delta.Unit
	Failed  *delta.Unit
}

// DeltaError reports a delta unit or hook whose execution failed. Unwrap
// yields the cause and, when the failure could not be recorded, the
// *ledger.WriteError, so errors.Is(err, ledger.ErrLedgerWrite) detects a
// ledger that no longer matches the database.
type DeltaError struct {
	Unit delta.Unit
	Hook string // set instead of Unit when a pre/post hook failed
	Err  error
	// LedgerErr is set when the failure itself could not be recorded.
	LedgerErr error
}

func (e *DeltaError) Error() string {
	what := "delta " + e.Unit.String()
	if e.Hook != "" {
		what = "hook " + e.Hook
	}
	msg := fmt.Sprintf("%s failed: %v", what, e.Err)
	var pgErr *pgconn.PgError
	if errors.As(e.Err, &pgErr) {
		msg += fmt.Sprintf(" (SQLSTATE %s", pgErr.Code)
		if pgErr.Detail != "" {
			msg += ", detail: " + pgErr.Detail
		}
		if pgErr.Hint != "" {
			msg += ", hint: " + pgErr.Hint
		}
		msg += ")"
	}
	if e.LedgerErr != nil {
		msg += fmt.Sprintf("; failure not recorded: %v", e.LedgerErr)
	}
	return msg
}

func (e *DeltaError) Unwrap() []error {
	if e.LedgerErr == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.LedgerErr}
}

type options struct {
	tracer       *tracing.PipelineTracer
	metrics      *metrics.Collector
	advisoryLock bool
}

// Option configures an Executor or Runner.
type Option func(*options)

// WithTracer emits a span per upgrade run and per delta.
func WithTracer(t *tracing.PipelineTracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithMetrics counts applied and failed deltas.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithAdvisoryLock makes Runner hold a database lock for the whole run.
func WithAdvisoryLock(enabled bool) Option {
	return func(o *options) { o.advisoryLock = enabled }
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.tracer == nil {
		o.tracer = tracing.NewPipelineTracer(nil)
	}
	return o
}

// Executor applies pending units to one open database. Runs are fail-fast:
// the first failing unit ends the run and no later unit is attempted.
type Executor struct {
	db     *sql.DB
	ledger *ledger.Ledger
	dbt    database.Target
	target string
	logger *slog.Logger
	opts   options
}

// NewExecutor creates an Executor for the database t was opened as. The
// ledger must be bound to db.
func NewExecutor(db *sql.DB, led *ledger.Ledger, t database.Target, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		db:     db,
		ledger: led,
		dbt:    t,
		target: t.String(),
		logger: logger.With("target", t.String()),
		opts:   buildOptions(opts),
	}
}

// Run resolves the pending units of plan and applies them in order. Variable
// substitution for every pending unit happens before the first statement is
// executed, so an unbound variable never leaves the database half upgraded.
func (e *Executor) Run(ctx context.Context, plan Plan) (*Result, error) {
	ctx, span := e.opts.tracer.StartUpgrade(ctx, e.target)
	res, err := e.run(ctx, plan)
	e.opts.tracer.End(span, err)
	return res, err
}

func (e *Executor) run(ctx context.Context, plan Plan) (*Result, error) {
	res := &Result{Target: e.target, State: StateResolving}

	entries, err := e.ledger.Entries(ctx)
	if err != nil {
		res.State = StateFailed
		return res, err
	}
	if last, ok := ledger.LastApplied(entries); ok {
		res.From = &last
	}
	res.Pending = Pending(plan.Units, entries, plan.MaxVersion)

	if len(res.Pending) == 0 {
		e.logger.Info("database up to date", "version", versionString(res.From))
		res.State = StateApplied
		return res, nil
	}

	bodies := make([]string, len(res.Pending))
	for i, u := range res.Pending {
		if u.Program != nil {
			continue
		}
		if bodies[i], err = delta.Render(u.Name, u.Body, plan.Variables); err != nil {
			res.State = StateFailed
			return res, err
		}
	}
	pre, err := renderScripts(plan.Pre, plan.Variables)
	if err != nil {
		res.State = StateFailed
		return res, err
	}
	post, err := renderScripts(plan.Post, plan.Variables)
	if err != nil {
		res.State = StateFailed
		return res, err
	}

	e.logger.Info("applying deltas", "from", versionString(res.From), "pending", len(res.Pending))
	res.State = StateApplying

	for i, s := range plan.Pre {
		if err := e.runHook(ctx, s, pre[i]); err != nil {
			res.State = StateFailed
			return res, err
		}
	}

	current := res.From
	for i, u := range res.Pending {
		pc := delta.ProgramContext{
			CurrentVersion: current,
			Dir:            u.Dir,
			Dirs:           plan.Dirs,
			Target:         e.dbt,
			Table:          e.ledger.Name(),
			Variables:      plan.Variables,
			Logger:         e.logger.With("program", u.Name),
		}
		if err := e.apply(ctx, u, bodies[i], pc); err != nil {
			failed := u
			res.Failed = &failed
			res.State = StateFailed
			return res, err
		}
		res.Applied = append(res.Applied, u)
		v := u.Version
		current = &v
	}

	for i, s := range plan.Post {
		if err := e.runHook(ctx, s, post[i]); err != nil {
			res.State = StateFailed
			return res, err
		}
	}

	res.State = StateApplied
	e.logger.Info("upgrade complete", "applied", len(res.Applied), "version", res.Applied[len(res.Applied)-1].Version.String())
	return res, nil
}

// apply runs one unit and its success record in a single transaction. A
// failed unit, including one whose success record could not be written, is
// rolled back and then recorded as unsuccessful.
func (e *Executor) apply(ctx context.Context, u delta.Unit, body string, pc delta.ProgramContext) error {
	ctx, span := e.opts.tracer.StartDelta(ctx, u.Version.String(), u.Name)
	err := e.applyTx(ctx, u, body, pc)
	e.opts.tracer.End(span, err)
	return err
}

func (e *Executor) applyTx(ctx context.Context, u delta.Unit, body string, pc delta.ProgramContext) error {
	e.logger.Info("applying delta", "version", u.Version.String(), "script", u.Name, "dir", u.Dir)
	start := time.Now()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return e.fail(ctx, u, start, fmt.Errorf("begin transaction: %w", err))
	}
	if u.Program != nil {
		pc.Tx = tx
		err = u.Program.Run(ctx, pc)
	} else {
		_, err = tx.ExecContext(ctx, body)
	}
	if err != nil {
		_ = tx.Rollback()
		return e.fail(ctx, u, start, err)
	}
	if err := e.ledger.WithTx(tx).Record(ctx, u, true, time.Since(start)); err != nil {
		_ = tx.Rollback()
		return e.fail(ctx, u, start, err)
	}
	if err := tx.Commit(); err != nil {
		return e.fail(ctx, u, start, fmt.Errorf("commit: %w", err))
	}

	elapsed := time.Since(start)
	e.opts.metrics.DeltaApplied(e.target, elapsed)
	e.logger.Debug("delta applied", "version", u.Version.String(), "script", u.Name, "duration", elapsed)
	return nil
}

func (e *Executor) fail(ctx context.Context, u delta.Unit, start time.Time, cause error) error {
	elapsed := time.Since(start)
	e.opts.metrics.DeltaFailed(e.target, elapsed)
	derr := &DeltaError{Unit: u, Err: cause}
	if err := e.ledger.Record(ctx, u, false, elapsed); err != nil {
		derr.LedgerErr = err
		e.logger.Error("could not record failed delta", "version", u.Version.String(), "script", u.Name, "error", err)
	}
	e.logger.Error("delta failed", "version", u.Version.String(), "script", u.Name, "error", cause)
	return derr
}

func (e *Executor) runHook(ctx context.Context, s delta.Script, body string) error {
	e.logger.Info("running hook", "script", s.Path())
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return &DeltaError{Hook: s.Path(), Err: fmt.Errorf("begin transaction: %w", err)}
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return &DeltaError{Hook: s.Path(), Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &DeltaError{Hook: s.Path(), Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

func renderScripts(scripts []delta.Script, vars delta.Variables) ([]string, error) {
	out := make([]string, len(scripts))
	for i, s := range scripts {
		body, err := delta.Render(s.Name, s.Body, vars)
		if err != nil {
			return nil, err
		}
		out[i] = body
	}
	return out, nil
}

func versionString(v *delta.Version) string {
	if v == nil {
		return "none"
	}
	return v.String()
}
