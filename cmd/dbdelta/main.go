package main

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var version = "dev"

// stdout receives command output; tests replace it.
var stdout io.Writer = os.Stdout

var commands = map[string]func([]string) error{
	"check":            runCheck,
	"dump":             runDump,
	"restore":          runRestore,
	"baseline":         runBaseline,
	"info":             runInfo,
	"upgrade":          runUpgrade,
	"test-and-promote": runTestAndPromote,
}

// Exit codes besides 0 (success) and 1 (fatal error).
const (
	exitDifferences = 2
	exitDeclined    = 3
)

// exitError carries a specific exit status. A nil err exits silently.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usage() {
	fmt.Fprintf(os.Stderr, `dbdelta - delta based database upgrades (version %s)

Usage:
  dbdelta <command> [options]

Commands:
  check             Compare the structure of two databases
  dump              Back up a database to a file
  restore           Restore a database from a backup file
  baseline          Record the version of an existing database in the upgrades table
  info              Show applied, pending and modified deltas
  upgrade           Apply pending deltas
  test-and-promote  Test an upgrade on a copy of production, then promote it

Every command accepts -c <config.yaml> (default .dbdelta.yaml), --log-format
text|json and --verbose. Databases are given as a configured name or a
connection string.

Exit status: 0 success, 1 error, 2 differences found, 3 promotion declined.

Run 'dbdelta <command> -h' for command-specific help.
`, version)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return 1
	}
	cmd := args[0]
	switch cmd {
	case "-h", "--help", "help":
		usage()
		return 0
	case "-v", "--version", "version":
		fmt.Fprintln(stdout, version)
		return 0
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd) //nolint:gosec // G705: CLI error output
		usage()
		return 1
	}
	if err := fn(args[1:]); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", ee.err) //nolint:gosec // G705: CLI error output
			}
			return ee.code
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err) //nolint:gosec // G705: CLI error output
		return 1
	}
	return 0
}
