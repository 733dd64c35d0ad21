package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/GoCodeAlone/dbdelta/check"
)

func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	common := addCommonFlags(fs)
	dbA := fs.String("a", "", "First database (required)")
	dbB := fs.String("b", "", "Second database (required)")
	verbosity := fs.Int("v", 0, "Report verbosity for text output: 0, 1 or 2")
	output := fs.String("o", "", "Write the report to this file instead of stdout")
	format := fs.String("format", "text", "Report format: text, json or yaml")
	var ignore, exclude stringSliceFlag
	fs.Var(&ignore, "i", "Element to ignore: "+elementNames()+" (repeatable)")
	fs.Var(&exclude, "N", "Schema to exclude (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: dbdelta check -a <db> -b <db> [options]

Compare the structure of two databases. Exits with status 2 when they differ.

Examples:
  dbdelta check -a prod -b reference
  dbdelta check -a prod -b reference -i triggers -i functions -N audit -v 1
  dbdelta check -a prod -b reference --format json -o report.json

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, common)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	targetA, err := a.target(*dbA, "a")
	if err != nil {
		return err
	}
	targetB, err := a.target(*dbB, "b")
	if err != nil {
		return err
	}
	f, err := check.ParseFormat(*format)
	if err != nil {
		return err
	}
	opts, err := checkOptions(a, ignore, exclude)
	if err != nil {
		return err
	}

	equivalent, report, err := check.NewComparator(a.logger).Compare(ctx, targetA, targetB, opts)
	if err != nil {
		return err
	}
	if err := writeReport(report, *output, f, *verbosity); err != nil {
		return err
	}
	if !equivalent {
		return &exitError{code: exitDifferences}
	}
	return nil
}

// checkOptions merges configured comparator settings with flags.
func checkOptions(a *app, ignore, exclude []string) (check.Options, error) {
	elements, err := a.cfg.Elements()
	if err != nil {
		return check.Options{}, err
	}
	for _, s := range ignore {
		e, err := check.ParseElement(s)
		if err != nil {
			return check.Options{}, err
		}
		elements = append(elements, e)
	}
	return check.Options{
		Ignore:         elements,
		ExcludeSchemas: a.excludeSchemas(exclude, a.cfg.Check.ExcludeSchemas),
	}, nil
}

func writeReport(r *check.Report, path string, f check.Format, verbosity int) error {
	var w io.Writer = stdout
	if path != "" {
		file, err := os.Create(path) //nolint:gosec // G304: operator chosen output path
		if err != nil {
			return fmt.Errorf("create report file: %w", err)
		}
		defer file.Close()
		w = file
	}
	return r.Write(w, f, verbosity)
}

func elementNames() string {
	s := ""
	for i, e := range check.Elements {
		if i > 0 {
			s += ", "
		}
		s += string(e)
	}
	return s
}
