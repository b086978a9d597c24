package valuechain

import (
	"sort"
	"strings"
	"unicode/utf8"
)

const maxTitleLength = 200

// Placement assigns a segment to an order slot, possibly in another chain.
type Placement struct {
	SegmentID string
	Order     int
}

type SegmentUpdate struct {
	SegmentID    string
	FunctionName string
	Order        int
}

type SegmentInsert struct {
	FunctionName string
	Order        int
	ActorIDs     []string
	UnitIDs      []string
}

type AssignmentUpdate struct {
	SegmentID string
	ActorIDs  []string
	UnitIDs   []string
}

// SegmentPlan is the write set that turns the stored segments into the desired list.
type SegmentPlan struct {
	Deletes     []string
	Updates     []SegmentUpdate
	Inserts     []SegmentInsert
	Assignments []AssignmentUpdate
}

func (p SegmentPlan) Empty() bool {
	return len(p.Deletes) == 0 && len(p.Updates) == 0 && len(p.Inserts) == 0 && len(p.Assignments) == 0
}

// PlanSegments diffs current (sorted by order) against desired. Entries with an ID match
// that segment; the rest take the next unmatched stored segment with the same function
// name. Order is the index in desired.
func PlanSegments(current []Segment, desired []SegmentInput) (SegmentPlan, error) {
	byID := make(map[string]int, len(current))
	for i, segment := range current {
		byID[segment.ID] = i
	}

	used := make([]bool, len(current))
	matched := make([]int, len(desired))
	names := make([]string, len(desired))
	explicit := make(map[string]int)

	for i, input := range desired {
		matched[i] = -1
		names[i] = strings.TrimSpace(input.FunctionName)
		if names[i] == "" {
			return SegmentPlan{}, invalid("segment %d: function name is required", i)
		}
		id := strings.TrimSpace(input.ID)
		if id == "" {
			continue
		}
		if first, dup := explicit[id]; dup {
			return SegmentPlan{}, invalid("segments %d and %d both reference segment %s", first, i, id)
		}
		explicit[id] = i
		idx, ok := byID[id]
		if !ok {
			return SegmentPlan{}, &NotFoundError{Kind: "segment", ID: id}
		}
		used[idx] = true
		matched[i] = idx
	}

	byName := make(map[string][]int)
	for i, segment := range current {
		if used[i] {
			continue
		}
		byName[segment.FunctionName] = append(byName[segment.FunctionName], i)
	}
	for i, input := range desired {
		if matched[i] >= 0 || strings.TrimSpace(input.ID) != "" {
			continue
		}
		queue := byName[names[i]]
		if len(queue) == 0 {
			continue
		}
		matched[i] = queue[0]
		used[queue[0]] = true
		byName[names[i]] = queue[1:]
	}

	var plan SegmentPlan
	for i, segment := range current {
		if !used[i] {
			plan.Deletes = append(plan.Deletes, segment.ID)
		}
	}
	for i, input := range desired {
		actors := NormalizeRefs(input.ActorIDs)
		units := NormalizeRefs(input.UnitIDs)
		if matched[i] < 0 {
			plan.Inserts = append(plan.Inserts, SegmentInsert{
				FunctionName: names[i],
				Order:        i,
				ActorIDs:     actors,
				UnitIDs:      units,
			})
			continue
		}
		segment := current[matched[i]]
		if segment.FunctionName != names[i] || segment.Order != i {
			plan.Updates = append(plan.Updates, SegmentUpdate{
				SegmentID:    segment.ID,
				FunctionName: names[i],
				Order:        i,
			})
		}
		if !equalRefs(NormalizeRefs(segment.ActorIDs), actors) || !equalRefs(NormalizeRefs(segment.UnitIDs), units) {
			plan.Assignments = append(plan.Assignments, AssignmentUpdate{
				SegmentID: segment.ID,
				ActorIDs:  actors,
				UnitIDs:   units,
			})
		}
	}
	return plan, nil
}

// PlanReorder validates that ordered is a permutation of the current segment ids and
// returns the placements whose order changes.
func PlanReorder(current []Segment, ordered []string) ([]Placement, error) {
	if len(ordered) != len(current) {
		return nil, invalid("expected %d segment ids, got %d", len(current), len(ordered))
	}
	orderOf := make(map[string]int, len(current))
	for _, segment := range current {
		orderOf[segment.ID] = segment.Order
	}
	seen := make(map[string]struct{}, len(ordered))
	var changes []Placement
	for i, id := range ordered {
		if _, dup := seen[id]; dup {
			return nil, invalid("segment %s is listed more than once", id)
		}
		seen[id] = struct{}{}
		previous, ok := orderOf[id]
		if !ok {
			return nil, invalid("segment %s does not belong to this chain", id)
		}
		if previous != i {
			changes = append(changes, Placement{SegmentID: id, Order: i})
		}
	}
	return changes, nil
}

// PlanMerge places every segment of a, then every segment of b, renumbered from 0.
func PlanMerge(a, b []Segment) []Placement {
	placements := make([]Placement, 0, len(a)+len(b))
	for _, segment := range a {
		placements = append(placements, Placement{SegmentID: segment.ID, Order: len(placements)})
	}
	for _, segment := range b {
		placements = append(placements, Placement{SegmentID: segment.ID, Order: len(placements)})
	}
	return placements
}

// PlanSplit partitions segments at index into [0, index) and [index, n), each renumbered from 0.
func PlanSplit(segments []Segment, index int) ([]Placement, []Placement, error) {
	n := len(segments)
	if n < 2 {
		return nil, nil, invalid("a chain needs at least 2 segments to be split, this one has %d", n)
	}
	if index <= 0 || index >= n {
		return nil, nil, invalid("split index must be between 1 and %d, got %d", n-1, index)
	}
	first := make([]Placement, 0, index)
	second := make([]Placement, 0, n-index)
	for i, segment := range segments {
		if i < index {
			first = append(first, Placement{SegmentID: segment.ID, Order: i})
			continue
		}
		second = append(second, Placement{SegmentID: segment.ID, Order: i - index})
	}
	return first, second, nil
}

func normalizeTitle(field, title string) (string, error) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return "", invalid("%s is required", field)
	}
	if utf8.RuneCountInString(trimmed) > maxTitleLength {
		return "", invalid("%s must be at most %d characters", field, maxTitleLength)
	}
	return trimmed, nil
}

// NormalizeRefs trims, drops blanks, de-duplicates, and sorts directory references.
func NormalizeRefs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

func equalRefs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
