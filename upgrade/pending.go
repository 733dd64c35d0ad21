package upgrade

import (
	"github.com/GoCodeAlone/dbdelta/delta"
	"github.com/GoCodeAlone/dbdelta/ledger"
)

// Pending returns the units still to apply given the ledger entries: every
// unit above the last successfully applied version and not above max (when
// max is set), in delta order.
//
// Units at exactly the last applied version are pending only when that
// version was reached by applying deltas and the unit itself was never
// recorded as successful. This resumes a run that stopped between two units
// sharing a version. Units are matched to entries by delta.Unit.Key, so
// equally named files of different directories are told apart.
func Pending(units []delta.Unit, entries []ledger.Entry, max *delta.Version) []delta.Unit {
	last, ok := ledger.LastApplied(entries)

	var fromDeltas bool
	recorded := make(map[string]bool)
	for _, e := range entries {
		if ok && e.Success && e.Kind != ledger.KindBaseline && e.Version == last {
			fromDeltas = true
			recorded[e.Script] = true
		}
	}

	var pending []delta.Unit
	for _, u := range units {
		if max != nil && max.Less(u.Version) {
			continue
		}
		if ok {
			c := u.Version.Compare(last)
			if c < 0 {
				continue
			}
			if c == 0 && (!fromDeltas || recorded[u.Key()]) {
				continue
			}
		}
		pending = append(pending, u)
	}
	delta.Sort(pending)
	return pending
}

// Drift describes an applied delta whose file content changed afterwards.
type Drift struct {
	Unit     delta.Unit
	Recorded string // checksum stored in the ledger
}

// DetectDrift compares the checksums of successfully applied deltas against
// the current files.
func DetectDrift(units []delta.Unit, entries []ledger.Entry) []Drift {
	recorded := make(map[string]string)
	for _, e := range entries {
		if e.Success && e.Kind != ledger.KindBaseline {
			recorded[e.Version.String()+" "+e.Script] = e.Checksum
		}
	}
	var drift []Drift
	for _, u := range units {
		sum, ok := recorded[u.Version.String()+" "+u.Key()]
		if ok && sum != "" && sum != u.Checksum {
			drift = append(drift, Drift{Unit: u, Recorded: sum})
		}
	}
	return drift
}
