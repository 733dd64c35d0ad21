package check

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Difference lists the objects of one element kind present on only one side.
type Difference struct {
	Element Element  `json:"element" yaml:"element"`
	OnlyInA []string `json:"only_in_a,omitempty" yaml:"only_in_a,omitempty"`
	OnlyInB []string `json:"only_in_b,omitempty" yaml:"only_in_b,omitempty"`
}

// Report is the structured result of a comparison.
type Report struct {
	A           string       `json:"a" yaml:"a"`
	B           string       `json:"b" yaml:"b"`
	Differences []Difference `json:"differences" yaml:"differences"`
}

// Equivalent reports whether no differences were found.
func (r *Report) Equivalent() bool { return r == nil || len(r.Differences) == 0 }

// Count returns the total number of differing objects.
func (r *Report) Count() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, d := range r.Differences {
		n += len(d.OnlyInA) + len(d.OnlyInB)
	}
	return n
}

// Diff compares two snapshots element by element.
func Diff(a, b Snapshot, opts Options) *Report {
	r := &Report{Differences: []Difference{}}
	for _, el := range Elements {
		if opts.ignored(el) {
			continue
		}
		onlyA, onlyB := sortedDifference(a[el], b[el])
		if len(onlyA) == 0 && len(onlyB) == 0 {
			continue
		}
		r.Differences = append(r.Differences, Difference{Element: el, OnlyInA: onlyA, OnlyInB: onlyB})
	}
	return r
}

// sortedDifference walks two sorted lists, keeping duplicates as distinct
// entries.
func sortedDifference(a, b []string) (onlyA, onlyB []string) {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			i++
			j++
		case a[i] < b[j]:
			onlyA = append(onlyA, a[i])
			i++
		default:
			onlyB = append(onlyB, b[j])
			j++
		}
	}
	onlyA = append(onlyA, a[i:]...)
	onlyB = append(onlyB, b[j:]...)
	return onlyA, onlyB
}

// Format selects the report encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown report format %q (want text, json or yaml)", s)
	}
}

// Write renders r. Verbosity applies to the text format only: 0 prints a
// summary line per element, 1 adds the differing objects, 2 also prints the
// compared databases and a total.
func (r *Report) Write(w io.Writer, format Format, verbosity int) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	default:
		return r.writeText(w, verbosity)
	}
}

func (r *Report) writeText(w io.Writer, verbosity int) error {
	var sb strings.Builder
	if verbosity >= 2 {
		fmt.Fprintf(&sb, "a: %s\nb: %s\n", r.A, r.B)
	}
	if r.Equivalent() {
		sb.WriteString("OK: no differences found\n")
		_, err := io.WriteString(w, sb.String())
		return err
	}
	for _, d := range r.Differences {
		fmt.Fprintf(&sb, "%s: %d only in a, %d only in b\n", d.Element, len(d.OnlyInA), len(d.OnlyInB))
		if verbosity < 1 {
			continue
		}
		for _, item := range d.OnlyInA {
			fmt.Fprintf(&sb, "  - %s\n", item)
		}
		for _, item := range d.OnlyInB {
			fmt.Fprintf(&sb, "  + %s\n", item)
		}
	}
	if verbosity >= 2 {
		fmt.Fprintf(&sb, "%d difference(s)\n", r.Count())
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
