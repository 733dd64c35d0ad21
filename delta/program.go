package delta

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoCodeAlone/dbdelta/database"
)

// Program is a delta implemented in Go. It is declared by a marker file
// delta_<version>_<description>.program in a delta directory and ordered
// together with the SQL units of the same directories.
type Program interface {
	Run(ctx context.Context, pc ProgramContext) error
}

// ProgramFunc adapts a function to Program.
type ProgramFunc func(ctx context.Context, pc ProgramContext) error

// Run calls f.
func (f ProgramFunc) Run(ctx context.Context, pc ProgramContext) error { return f(ctx, pc) }

// ProgramContext is what a Program sees while it runs. Tx is the transaction
// of the unit; the ledger entry is written in the same transaction after Run
// returns nil.
type ProgramContext struct {
	CurrentVersion *Version // nil when the ledger is empty
	Dir            string   // directory holding the marker
	Dirs           []string // every delta directory of the run
	Target         database.Target
	Table          string // qualified ledger table
	Variables      Variables
	Tx             *sql.Tx
	Logger         *slog.Logger
}

// Registry maps marker names (the file name without ".program") to programs.
type Registry struct {
	mu       sync.RWMutex
	programs map[string]Program
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{programs: make(map[string]Program)}
}

// Register adds p under name. The name must follow the delta naming
// convention and be registered only once.
func (r *Registry) Register(name string, p Program) error {
	if p == nil {
		return fmt.Errorf("delta: program %s is nil", name)
	}
	m := fileNamePattern.FindStringSubmatch(name + ProgramExt)
	if m == nil {
		return fmt.Errorf("delta: program name %q does not match delta_<version>_<description>", name)
	}
	if _, err := ParseVersion(m[2]); err != nil {
		return fmt.Errorf("delta: program %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.programs[name]; dup {
		return fmt.Errorf("delta: program %s registered twice", name)
	}
	r.programs[name] = p
	return nil
}

// Lookup returns the program registered under name.
func (r *Registry) Lookup(name string) (Program, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs[name]
	return p, ok
}

var programs = NewRegistry()

// Register adds p to the registry used by Discover, typically from an init
// function of the package defining the program. It panics on an invalid or
// duplicate name, as database/sql.Register does.
func Register(name string, p Program) {
	if err := programs.Register(name, p); err != nil {
		panic(err)
	}
}
