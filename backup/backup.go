// Package backup dumps and restores whole databases.
package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/dbdelta/database"
)

// ErrUnsupported is returned for targets no manager can handle.
var ErrUnsupported = errors.New("backup: unsupported target")

// Manager serialises a database to a file and loads it back.
type Manager interface {
	Backup(ctx context.Context, target database.Target, file string, excludeSchemas []string) error
	Restore(ctx context.Context, target database.Target, file string, excludeSchemas []string) error
}

// Error reports a failed backup or restore. A tolerable restore error means the
// archive was loaded but some objects failed; the operator may choose to
// continue with the partially restored database.
type Error struct {
	Op        string // "backup" or "restore"
	Target    string
	Tolerable bool
	Output    string // combined output of the external tool, if any
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
	if e.Tolerable {
		msg += " (restore errors ignored on request)"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsTolerable reports whether err is a restore error that does not prevent
// using the restored database.
func IsTolerable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Tolerable
}

// Router dispatches to the manager registered for the target dialect.
type Router struct {
	Postgres Manager
	SQLite   Manager
}

func (r Router) pick(t database.Target) (Manager, error) {
	switch {
	case t.Dialect == database.Postgres && r.Postgres != nil:
		return r.Postgres, nil
	case t.Dialect == database.SQLite && r.SQLite != nil:
		return r.SQLite, nil
	}
	return nil, fmt.Errorf("%w: %s (%s)", ErrUnsupported, t, t.Dialect)
}

// Backup implements Manager.
func (r Router) Backup(ctx context.Context, t database.Target, file string, excludeSchemas []string) error {
	m, err := r.pick(t)
	if err != nil {
		return err
	}
	return m.Backup(ctx, t, file, excludeSchemas)
}

// Restore implements Manager.
func (r Router) Restore(ctx context.Context, t database.Target, file string, excludeSchemas []string) error {
	m, err := r.pick(t)
	if err != nil {
		return err
	}
	return m.Restore(ctx, t, file, excludeSchemas)
}
