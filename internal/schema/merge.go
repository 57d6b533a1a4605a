package schema

import "fmt"

// MergeStrategy selects how a coalesce combines the contracts of its
// incoming branches into the contract of its merged output.
type MergeStrategy string

const (
	// MergeUnion combines declared fields across branches; the field set
	// is the intersection of declared fields plus every guaranteed
	// field. Row-level value collisions are last-writer-wins; MergeRows
	// returns them and records nothing, and the coalesce executor does
	// not record them either.
	MergeUnion MergeStrategy = "union"
	// MergeNested produces a contract whose fields are namespaced by
	// branch name: {branch_name: branch_contract}.
	MergeNested MergeStrategy = "nested"
	// MergeSelect returns one branch's contract unchanged.
	MergeSelect MergeStrategy = "select"
)

// precedence orders modes so Merge can compute the strictest resulting
// mode across branches: fixed > flexible > observed.
var precedence = map[Mode]int{
	ModeFixed:    3,
	ModeFlexible: 2,
	ModeObserved: 1,
}

// Branch pairs a branch name with the contract produced along that
// branch, as seen by a coalesce node's incoming edges.
type Branch struct {
	Name     string
	Contract *Contract
}

// Merge combines branch contracts per strategy. selectBranch is only
// consulted when strategy is MergeSelect and names which branch's
// contract to return.
func Merge(branches []Branch, strategy MergeStrategy, selectBranch string) (*Contract, error) {
	if len(branches) == 0 {
		return nil, fmt.Errorf("merge: no branches supplied")
	}

	switch strategy {
	case MergeSelect:
		for _, b := range branches {
			if b.Name == selectBranch {
				return b.Contract, nil
			}
		}
		return nil, fmt.Errorf("merge: select branch %q not among supplied branches", selectBranch)

	case MergeNested:
		fields := make([]FieldDef, 0, len(branches))
		for _, b := range branches {
			fields = append(fields, FieldDef{
				Name:     b.Name,
				Type:     TypeObject,
				Required: true,
			})
		}
		return New(mergedMode(branches), fields, nil, nil, nil), nil

	case MergeUnion:
		return mergeUnion(branches), nil

	default:
		return nil, fmt.Errorf("merge: unknown strategy %q", strategy)
	}
}

// mergeUnion computes the field set as the intersection of declared
// fields across every branch, plus the union of each branch's
// guaranteed fields (which are, by construction, present regardless of
// which branch ran).
func mergeUnion(branches []Branch) *Contract {
	declaredCounts := make(map[string]int)
	fieldDefs := make(map[string]FieldDef)
	guaranteed := make(map[string]bool)

	for _, b := range branches {
		for _, f := range b.Contract.Fields() {
			declaredCounts[f.Name]++
			if existing, ok := fieldDefs[f.Name]; !ok || (!existing.Required && f.Required) {
				fieldDefs[f.Name] = f
			}
		}
		for name := range b.Contract.GuaranteedFields() {
			guaranteed[name] = true
		}
	}

	var fields []FieldDef
	seen := make(map[string]bool)
	for name, count := range declaredCounts {
		if count == len(branches) || guaranteed[name] {
			fields = append(fields, fieldDefs[name])
			seen[name] = true
		}
	}
	for name := range guaranteed {
		if !seen[name] {
			fields = append(fields, FieldDef{Name: name, Type: TypeAny})
			seen[name] = true
		}
	}

	guaranteedList := make([]string, 0, len(guaranteed))
	for name := range guaranteed {
		guaranteedList = append(guaranteedList, name)
	}

	return New(mergedMode(branches), fields, guaranteedList, nil, nil)
}

func mergedMode(branches []Branch) Mode {
	best := ModeObserved
	bestRank := -1
	for _, b := range branches {
		rank := precedence[b.Contract.Mode()]
		if rank > bestRank {
			bestRank = rank
			best = b.Contract.Mode()
		}
	}
	return best
}

// MergeCollision records a value-level collision detected while merging
// row data under MergeUnion: the same field name arrived with different
// values from two branches, and the last writer (by branch arrival
// order) won. MergeRows returns these to its caller; the coalesce
// executor discards them, and no audit record carries them.
type MergeCollision struct {
	Field        string
	WinningValue interface{}
	WinningFrom  string
	LosingValue  interface{}
	LosingFrom   string
}

// MergeRows merges row payloads per strategy, mirroring Merge's contract
// logic but operating on the data itself. Returns the merged row and any
// collisions observed (only possible under MergeUnion).
func MergeRows(branches []Branch, rows map[string]map[string]interface{}, strategy MergeStrategy, selectBranch string) (map[string]interface{}, []MergeCollision, error) {
	switch strategy {
	case MergeSelect:
		row, ok := rows[selectBranch]
		if !ok {
			return nil, nil, fmt.Errorf("merge rows: select branch %q not present", selectBranch)
		}
		return row, nil, nil

	case MergeNested:
		merged := make(map[string]interface{}, len(branches))
		for _, b := range branches {
			merged[b.Name] = rows[b.Name]
		}
		return merged, nil, nil

	case MergeUnion:
		merged := make(map[string]interface{})
		var collisions []MergeCollision
		winner := make(map[string]string)
		for _, b := range branches {
			row := rows[b.Name]
			for k, v := range row {
				if prevFrom, had := winner[k]; had {
					if !valuesEqual(merged[k], v) {
						collisions = append(collisions, MergeCollision{
							Field:        k,
							WinningValue: v,
							WinningFrom:  b.Name,
							LosingValue:  merged[k],
							LosingFrom:   prevFrom,
						})
					}
				}
				merged[k] = v
				winner[k] = b.Name
			}
		}
		return merged, collisions, nil

	default:
		return nil, nil, fmt.Errorf("merge rows: unknown strategy %q", strategy)
	}
}

func valuesEqual(a, b interface{}) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
