package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/GoCodeAlone/dbdelta/backup"
)

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	common := addCommonFlags(fs)
	db := fs.String("d", "", "Database to back up (required)")
	file := fs.String("f", "", "Backup file (required)")
	var exclude stringSliceFlag
	fs.Var(&exclude, "N", "Schema to exclude (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: dbdelta dump -d <db> -f <file> [options]

Back up a database. PostgreSQL targets use pg_dump in custom format.

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

	target, err := a.target(*db, "d")
	if err != nil {
		return err
	}
	m, err := a.backupManager()
	if err != nil {
		return err
	}
	if err := m.Backup(ctx, target, *file, a.excludeSchemas(exclude, a.cfg.Backup.ExcludeSchemas)); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s dumped to %s\n", target, *file)
	return nil
}

func runRestore(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	common := addCommonFlags(fs)
	db := fs.String("d", "", "Database to restore into (required)")
	file := fs.String("f", "", "Backup file (required)")
	ignoreErrors := fs.Bool("ignore-restore-errors", false, "Continue when pg_restore reports ignored errors")
	var exclude stringSliceFlag
	fs.Var(&exclude, "N", "Schema to exclude (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: dbdelta restore -d <db> -f <file> [options]

Restore a backup into a database.

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

	target, err := a.target(*db, "d")
	if err != nil {
		return err
	}
	m, err := a.backupManager()
	if err != nil {
		return err
	}
	err = m.Restore(ctx, target, *file, a.excludeSchemas(exclude, a.cfg.Backup.ExcludeSchemas))
	if err != nil {
		if (*ignoreErrors || a.cfg.Backup.IgnoreRestoreErrors) && backup.IsTolerable(err) {
			a.logger.Warn("restore completed with ignored errors", "target", target.String(), "error", err)
		} else {
			return err
		}
	}
	fmt.Fprintf(stdout, "%s restored from %s\n", target, *file)
	return nil
}
