// Package delta discovers versioned schema change files in one or more
// directories and renders their bodies with operator supplied variables.
package delta

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Hook file names. A hook in any delta directory runs once around the pending
// deltas of a run and is never recorded in the ledger.
const (
	PreHookName  = "pre-all.sql"
	PostHookName = "post-all.sql"
)

// ProgramExt marks a delta implemented by a registered Program instead of SQL.
const ProgramExt = ".program"

// fileNamePattern matches delta_<version>_<description>.sql and the .program
// markers. The version token is captured loosely so that a bad token is
// reported instead of skipped.
var fileNamePattern = regexp.MustCompile(`^(delta_([^_]+?)(?:_(.*))?)\.(sql|program)$`)

// Unit is one discovered delta file.
type Unit struct {
	Version     Version
	Priority    int    // index of the directory the unit came from
	Dir         string // directory as given to Discover
	Name        string // file name
	Description string
	Body        string
	Checksum    string  // sha256 of Body, hex encoded
	Program     Program // set for .program units; Body is then the marker content
}

// Path returns the file system path of the unit.
func (u Unit) Path() string { return filepath.Join(u.Dir, u.Name) }

// Key identifies the unit in the ledger. Units of the first directory are
// keyed by file name; later directories prefix their index so that equally
// named files in different directories stay distinct.
func (u Unit) Key() string {
	if u.Priority == 0 {
		return u.Name
	}
	return fmt.Sprintf("%d/%s", u.Priority, u.Name)
}

func (u Unit) String() string {
	return fmt.Sprintf("%s (%s)", u.Version, u.Name)
}

// Less orders units by version, then directory priority, then file name.
func Less(a, b Unit) bool {
	if c := a.Version.Compare(b.Version); c != 0 {
		return c < 0
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Name < b.Name
}

// Sort orders units in place using Less.
func Sort(units []Unit) {
	sort.SliceStable(units, func(i, j int) bool { return Less(units[i], units[j]) })
}

// Script is an unversioned SQL file such as a pre or post hook.
type Script struct {
	Dir  string
	Name string
	Body string
}

// Path returns the file system path of the script.
func (s Script) Path() string { return filepath.Join(s.Dir, s.Name) }

// Discover scans dirs in order and returns every delta unit found, sorted by
// version, directory order and file name. Files that do not follow the naming
// convention are skipped. Units sharing a version are all kept, including
// units from different directories. Program markers are resolved against the
// programs registered with Register.
func Discover(dirs []string) ([]Unit, error) {
	return DiscoverWith(dirs, programs)
}

// DiscoverWith is Discover resolving program markers against reg.
func DiscoverWith(dirs []string, reg *Registry) ([]Unit, error) {
	var units []Unit
	for priority, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("%w: read directory %s: %v", ErrUnreadableDelta, dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			m := fileNamePattern.FindStringSubmatch(e.Name())
			if m == nil {
				continue
			}
			v, err := ParseVersion(m[2])
			if err != nil {
				return nil, fmt.Errorf("delta file %s: %w", filepath.Join(dir, e.Name()), err)
			}
			body, err := readFile(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, err
			}
			unit := Unit{
				Version:     v,
				Priority:    priority,
				Dir:         dir,
				Name:        e.Name(),
				Description: strings.ReplaceAll(m[3], "_", " "),
				Body:        body,
				Checksum:    Checksum(body),
			}
			if "."+m[4] == ProgramExt {
				p, ok := reg.Lookup(m[1])
				if !ok {
					return nil, fmt.Errorf("%w: %s", ErrUnregisteredProgram, filepath.Join(dir, e.Name()))
				}
				unit.Program = p
			}
			units = append(units, unit)
		}
	}
	Sort(units)
	return units, nil
}

// DiscoverHooks returns the pre and post hooks found in dirs, in directory
// order.
func DiscoverHooks(dirs []string) (pre, post []Script, err error) {
	for _, dir := range dirs {
		for _, name := range []string{PreHookName, PostHookName} {
			path := filepath.Join(dir, name)
			if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
				continue
			}
			body, err := readFile(path)
			if err != nil {
				return nil, nil, err
			}
			s := Script{Dir: dir, Name: name, Body: body}
			if name == PreHookName {
				pre = append(pre, s)
			} else {
				post = append(post, s)
			}
		}
	}
	return pre, post, nil
}

// Checksum returns the hex sha256 of a delta body.
func Checksum(body string) string {
	h := sha256.Sum256([]byte(body))
	return hex.EncodeToString(h[:])
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: delta paths come from operator configuration
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnreadableDelta, path, err)
	}
	return string(data), nil
}
