package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/dbdelta/database"
	"github.com/GoCodeAlone/dbdelta/delta"
	"github.com/GoCodeAlone/dbdelta/ledger"
)

// Runner performs ledger operations against database targets, opening and
// closing the connection for each call.
type Runner struct {
	logger *slog.Logger
	opts   []Option
	cfg    options
}

// NewRunner creates a Runner.
func NewRunner(logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger, opts: opts, cfg: buildOptions(opts)}
}

// Upgrade applies plan to target. The returned Result is non-nil whenever the
// target could be opened, including on failure.
func (r *Runner) Upgrade(ctx context.Context, target database.Target, plan Plan) (*Result, error) {
	var res *Result
	err := r.withLedger(ctx, target, plan.Table, func(db *sql.DB, led *ledger.Ledger) error {
		if r.cfg.advisoryLock {
			release, err := LockFor(db, target.Dialect).Acquire(ctx, lockKey(target, led))
			if err != nil {
				return fmt.Errorf("lock %s: %w", target, err)
			}
			defer release()
		}
		var err error
		res, err = NewExecutor(db, led, target, r.logger, r.opts...).Run(ctx, plan)
		return err
	})
	return res, err
}

// lockKey names the lock of one ledger. Postgres advisory locks are scoped to
// the database already; local locks also need the database file.
func lockKey(target database.Target, led *ledger.Ledger) string {
	key := "dbdelta:" + led.Name()
	if target.Dialect != database.Postgres {
		key = target.FilePath() + ":" + key
	}
	return key
}

// Baseline records version as the starting point of target. With reset, all
// existing ledger entries are deleted first, in the same transaction as the
// baseline entry.
func (r *Runner) Baseline(ctx context.Context, target database.Target, table string, version delta.Version, reset bool) error {
	return r.withLedger(ctx, target, table, func(db *sql.DB, led *ledger.Ledger) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin baseline transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		txLed := led.WithTx(tx)
		if reset {
			r.logger.Warn("resetting ledger", "target", target.String(), "table", led.Name())
			if err := txLed.Reset(ctx); err != nil {
				return err
			}
		}
		if err := txLed.SetBaseline(ctx, version); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit baseline: %w", err)
		}
		r.logger.Info("baseline set", "target", target.String(), "version", version.String())
		return nil
	})
}

// Status summarises the ledger of a target against the discovered units.
type Status struct {
	Target  string
	Current *delta.Version
	Entries []ledger.Entry
	Pending []delta.Unit
	Drift   []Drift
}

// Info reports the ledger state of target.
func (r *Runner) Info(ctx context.Context, target database.Target, table string, units []delta.Unit, max *delta.Version) (*Status, error) {
	st := &Status{Target: target.String()}
	err := r.withLedger(ctx, target, table, func(_ *sql.DB, led *ledger.Ledger) error {
		entries, err := led.Entries(ctx)
		if err != nil {
			return err
		}
		st.Entries = entries
		if v, ok := ledger.LastApplied(entries); ok {
			st.Current = &v
		}
		st.Pending = Pending(units, entries, max)
		st.Drift = DetectDrift(units, entries)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (r *Runner) withLedger(ctx context.Context, target database.Target, table string, fn func(*sql.DB, *ledger.Ledger) error) error {
	if table == "" {
		table = ledger.DefaultTable
	}
	db, err := database.Open(ctx, target)
	if err != nil {
		return err
	}
	defer db.Close()

	led, err := ledger.New(db, target.Dialect, table)
	if err != nil {
		return err
	}
	if err := led.EnsureSchema(ctx); err != nil {
		return err
	}
	return fn(db, led)
}
