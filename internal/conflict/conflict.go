// Package conflict implements the pure conflict-detection and
// resolution logic used by the Sync Manager when replaying a change-log
// entry whose row was also modified on the primary (C4).
package conflict

import (
	"fmt"
	"reflect"
	"time"

	"github.com/axonops/dualdb/internal/config"
	"github.com/axonops/dualdb/internal/schema"
)

// Winner names which side's row the resolution kept.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
	WinnerManual Winner = "manual"
)

// Resolution is the outcome of resolving one (local, remote) row pair.
type Resolution struct {
	Resolved bool
	Winner   Winner
	FinalRow schema.Row
}

// ignoredFields are excluded from the field-by-field deep compare used
// in conflict detection — they track row lifecycle, not row content.
var ignoredFields = map[string]bool{"createdAt": true, "updatedAt": true, "version": true}

// HasConflict reports whether local and remote versions of the same row
// disagree. remote must be non-nil: the caller only invokes this once a
// remote row is known to exist.
func HasConflict(local, remote schema.Row) bool {
	if remote == nil {
		return false
	}

	lv, lok := rowVersion(local)
	rv, rok := rowVersion(remote)
	if lok && rok && lv != rv {
		return true
	}

	lu, luok := rowTime(local, "updatedAt")
	ru, ruok := rowTime(remote, "updatedAt")
	if luok && ruok && ru.After(lu) {
		return true
	}

	return !rowsEqualIgnoring(local, remote, ignoredFields)
}

// Resolve decides the winning row for a conflicting (local, remote)
// pair under the configured strategy.
func Resolve(local, remote schema.Row, strategy config.ConflictStrategy) (Resolution, error) {
	switch strategy {
	case config.StrategyLocalWins:
		return resolveLocalWins(local, remote), nil
	case config.StrategyRemoteWins:
		return Resolution{Resolved: true, Winner: WinnerRemote, FinalRow: remote}, nil
	case config.StrategyVersionBased:
		return resolveVersionBased(local, remote)
	case config.StrategyManual:
		return Resolution{Resolved: false, Winner: WinnerManual, FinalRow: local}, nil
	default:
		return Resolution{}, fmt.Errorf("conflict: unknown strategy %q", strategy)
	}
}

// resolveLocalWins keeps local, but carries forward remote's createdAt
// when local lacks one, and bumps version to one past the higher side.
func resolveLocalWins(local, remote schema.Row) Resolution {
	out := make(schema.Row, len(local))
	for k, v := range local {
		out[k] = v
	}

	if _, hasLocalCreated := out["createdAt"]; !hasLocalCreated {
		if rc, ok := remote["createdAt"]; ok {
			out["createdAt"] = rc
		}
	}

	lv, lok := rowVersion(local)
	rv, rok := rowVersion(remote)
	if lok || rok {
		max := lv
		if rok && rv > max {
			max = rv
		}
		out["version"] = max + 1
	}

	return Resolution{Resolved: true, Winner: WinnerLocal, FinalRow: out}
}

// resolveVersionBased requires both sides to carry a version column;
// the higher wins, with local-wins as the tie-break.
func resolveVersionBased(local, remote schema.Row) (Resolution, error) {
	lv, lok := rowVersion(local)
	rv, rok := rowVersion(remote)
	if !lok || !rok {
		return Resolution{}, fmt.Errorf("conflict: version-based strategy requires a version column on both sides")
	}
	if rv > lv {
		return Resolution{Resolved: true, Winner: WinnerRemote, FinalRow: remote}, nil
	}
	return Resolution{Resolved: true, Winner: WinnerLocal, FinalRow: local}, nil
}

func rowVersion(row schema.Row) (int64, bool) {
	v, ok := row["version"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func rowTime(row schema.Row, key string) (time.Time, bool) {
	v, ok := row[key]
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, t)
			if err != nil {
				return time.Time{}, false
			}
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

// rowsEqualIgnoring deep-compares two rows, skipping the named fields.
func rowsEqualIgnoring(a, b schema.Row, ignore map[string]bool) bool {
	keys := make(map[string]bool, len(a)+len(b))
	for k := range a {
		keys[k] = true
	}
	for k := range b {
		keys[k] = true
	}
	for k := range keys {
		if ignore[k] {
			continue
		}
		if !reflect.DeepEqual(a[k], b[k]) {
			return false
		}
	}
	return true
}
