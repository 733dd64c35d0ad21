package main

import (
	"context"
	"flag"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/GoCodeAlone/dbdelta/delta"
	"github.com/GoCodeAlone/dbdelta/upgrade"
)

func runBaseline(args []string) error {
	fs := flag.NewFlagSet("baseline", flag.ContinueOnError)
	common := addCommonFlags(fs)
	db := fs.String("d", "", "Database (required)")
	table := fs.String("t", "", "Upgrades table (default from config)")
	ver := fs.String("b", "", "Baseline version, e.g. 1.0.0 (required)")
	reset := fs.Bool("reset", false, "Delete all upgrades table entries before setting the baseline")
	var dirs stringSliceFlag
	fs.Var(&dirs, "D", "Delta directory (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: dbdelta baseline -d <db> -b <version> [options]

Record the version of an existing database. Fails when the upgrades table
already has entries unless --reset is given.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ver == "" {
		return fmt.Errorf("-b is required")
	}
	v, err := delta.ParseVersion(*ver)
	if err != nil {
		return err
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
	if d, err := a.deltaDirs(dirs); err == nil {
		units, err := delta.Discover(d)
		if err != nil {
			return err
		}
		if n := len(upgrade.Pending(units, nil, &v)); n > 0 {
			a.logger.Info("deltas at or below the baseline will be skipped", "count", n)
		}
	}

	err = a.runner().Baseline(ctx, target, a.table(*table), v, *reset)
	a.audit.LogBaseline(ctx, target.String(), v.String(), *reset, err)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s baselined at %s\n", target, v)
	return nil
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	common := addCommonFlags(fs)
	db := fs.String("d", "", "Database (required)")
	table := fs.String("t", "", "Upgrades table (default from config)")
	maxVersion := fs.String("u", "", "Only consider deltas up to this version")
	var dirs stringSliceFlag
	fs.Var(&dirs, "D", "Delta directory (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: dbdelta info -d <db> [options]

Show the upgrades table, the pending deltas and applied deltas whose file
changed since they were applied.

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

	target, err := a.target(*db, "d")
	if err != nil {
		return err
	}
	d, err := a.deltaDirs(dirs)
	if err != nil {
		return err
	}
	p, err := a.plan(a.table(*table), d, nil, *maxVersion)
	if err != nil {
		return err
	}
	st, err := a.runner().Info(ctx, target, p.Table, p.Units, p.MaxVersion)
	if err != nil {
		return err
	}
	return printStatus(st)
}

func printStatus(st *upgrade.Status) error {
	current := "none"
	if st.Current != nil {
		current = st.Current.String()
	}
	fmt.Fprintf(stdout, "Database: %s\nCurrent version: %s\n", st.Target, current)

	if len(st.Entries) > 0 {
		fmt.Fprintln(stdout, "\nApplied:")
		tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  VERSION\tTYPE\tSCRIPT\tINSTALLED\tBY\tMS\tSUCCESS")
		for _, e := range st.Entries {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%d\t%t\n",
				e.Version, e.Kind, e.Script, e.InstalledOn.Format(time.RFC3339), e.InstalledBy, e.ExecutionTime.Milliseconds(), e.Success)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(st.Pending) == 0 {
		fmt.Fprintln(stdout, "\nNo pending deltas.")
	} else {
		fmt.Fprintf(stdout, "\nPending: %d delta(s)\n", len(st.Pending))
		for _, u := range st.Pending {
			fmt.Fprintf(stdout, "  %s  %s\n", u.Version, u.Path())
		}
	}

	if len(st.Drift) > 0 {
		fmt.Fprintf(stdout, "\nModified after being applied: %d delta(s)\n", len(st.Drift))
		for _, d := range st.Drift {
			fmt.Fprintf(stdout, "  %s  %s (recorded %.12s, now %.12s)\n", d.Unit.Version, d.Unit.Path(), d.Recorded, d.Unit.Checksum)
		}
	}
	return nil
}

func runUpgrade(args []string) error {
	fs := flag.NewFlagSet("upgrade", flag.ContinueOnError)
	common := addCommonFlags(fs)
	db := fs.String("d", "", "Database (required)")
	table := fs.String("t", "", "Upgrades table (default from config)")
	maxVersion := fs.String("u", "", "Apply deltas up to and including this version")
	var dirs, vars stringSliceFlag
	fs.Var(&dirs, "D", "Delta directory (repeatable)")
	fs.Var(&vars, "var", "Variable as type:name=value, type is string, int or float (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: dbdelta upgrade -d <db> -D <dir> [options]

Apply pending deltas in version order. Each delta runs in its own transaction
and is recorded in the upgrades table; the run stops at the first failure.

Examples:
  dbdelta upgrade -d prod -D deltas
  dbdelta upgrade -d prod -D deltas -D deltas/customer --var int:srid=2056 -u 1.4.0

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

	target, err := a.target(*db, "d")
	if err != nil {
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

	res, err := a.runner().Upgrade(ctx, target, p)
	if res != nil {
		from, to := summary(res)
		a.audit.LogUpgrade(ctx, "", target.String(), from, to, len(res.Applied), err)
	}
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func summary(res *upgrade.Result) (from, to string) {
	if res.From != nil {
		from = res.From.String()
	}
	to = from
	if n := len(res.Applied); n > 0 {
		to = res.Applied[n-1].Version.String()
	}
	return from, to
}

func printResult(res *upgrade.Result) {
	from, to := summary(res)
	if len(res.Applied) == 0 {
		fmt.Fprintf(stdout, "%s is up to date (version %s)\n", res.Target, orNone(from))
		return
	}
	fmt.Fprintf(stdout, "%s upgraded from %s to %s:\n", res.Target, orNone(from), to)
	for _, u := range res.Applied {
		fmt.Fprintf(stdout, "  %s  %s\n", u.Version, u.Name)
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
