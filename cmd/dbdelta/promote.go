package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/GoCodeAlone/dbdelta/archive"
	"github.com/GoCodeAlone/dbdelta/check"
	"github.com/GoCodeAlone/dbdelta/promote"
)

// confirmer is replaced in tests.
var confirmer = promote.ConsoleConfirmer

func runTestAndPromote(args []string) error {
	fs := flag.NewFlagSet("test-and-promote", flag.ContinueOnError)
	common := addCommonFlags(fs)
	prod := fs.String("prod", "", "Production database (required)")
	test := fs.String("test", "", "Test database, overwritten by the production backup (required)")
	compare := fs.String("compare", "", "Reference database the upgraded test database must match (required)")
	file := fs.String("f", "", "Backup file (required)")
	table := fs.String("t", "", "Upgrades table (default from config)")
	maxVersion := fs.String("u", "", "Apply deltas up to and including this version")
	ignoreRestore := fs.Bool("ignore-restore-errors", false, "Continue when pg_restore reports ignored errors")
	verbosity := fs.Int("v", 1, "Difference report verbosity")
	var dirs, vars, ignore, exclude stringSliceFlag
	fs.Var(&dirs, "D", "Delta directory (repeatable)")
	fs.Var(&vars, "var", "Variable as type:name=value (repeatable)")
	fs.Var(&ignore, "i", "Element to ignore in the comparison (repeatable)")
	fs.Var(&exclude, "N", "Schema to exclude from backup, restore and comparison (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: dbdelta test-and-promote --prod <db> --test <db> --compare <db> -f <file> -D <dir> [options]

Back up production, restore it into the test database, upgrade the test
database, compare it with the reference database and, after confirmation,
upgrade production.

Exit status: 0 promoted, 1 failed, 2 differences found, 3 promotion declined.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("-f is required")
	}

	ctx := context.Background()
	a, err := newApp(ctx, common)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	var targets promote.Targets
	if targets.Production, err = a.target(*prod, "prod"); err != nil {
		return err
	}
	if targets.Test, err = a.target(*test, "test"); err != nil {
		return err
	}
	if targets.Reference, err = a.target(*compare, "compare"); err != nil {
		return err
	}
	d, err := a.deltaDirs(dirs)
	if err != nil {
		return err
	}
	p, err := a.plan(a.table(*table), d, vars, *maxVersion)
	if err != nil {
		return err
	}
	checkOpts, err := checkOptions(a, ignore, exclude)
	if err != nil {
		return err
	}
	manager, err := a.backupManager()
	if err != nil {
		return err
	}

	opts := []promote.Option{
		promote.WithLogger(a.logger),
		promote.WithTracer(a.tracer),
		promote.WithMetrics(a.metrics),
		promote.WithAudit(a.audit),
	}
	if a.cfg.Backup.Archive != "" {
		store, err := archive.Open(ctx, a.cfg.Backup.Archive)
		if err != nil {
			return err
		}
		opts = append(opts, promote.WithArchive(store))
	}

	o := promote.New(manager, check.NewComparator(a.logger), a.runner(), confirmer(), opts...)
	rep, err := o.Run(ctx, promote.Request{
		Targets:             targets,
		BackupFile:          *file,
		Plan:                p,
		Check:               checkOpts,
		ExcludeSchemas:      a.excludeSchemas(exclude, a.cfg.Backup.ExcludeSchemas),
		IgnoreRestoreErrors: *ignoreRestore || a.cfg.Backup.IgnoreRestoreErrors,
	})
	if err != nil {
		var se *promote.StageError
		if errors.As(err, &se) {
			return fmt.Errorf("test-and-promote failed at %s (run %s): %w", se.Stage, rep.RunID, se.Err)
		}
		return err
	}

	switch rep.Outcome {
	case promote.OutcomeDifferences:
		fmt.Fprintf(stdout, "%s differs from %s after the upgrade; production was not changed.\n",
			targets.Test, targets.Reference)
		if err := rep.Differences.Write(stdout, check.FormatText, *verbosity); err != nil {
			return err
		}
		return &exitError{code: exitDifferences}
	case promote.OutcomeDeclined:
		fmt.Fprintln(stdout, "Promotion declined; production was not changed.")
		return &exitError{code: exitDeclined}
	}
	if rep.RestoreWarning != nil {
		fmt.Fprintf(stdout, "warning: test database restored with ignored errors: %v\n", rep.RestoreWarning)
	}
	printResult(rep.ProdUpgrade)
	return nil
}
