package queues

import "sort"

// Diff partitions external ids against locally stored ids. The three sets are
// disjoint; New and Stale together are the external ids, Deleted and Stale
// together are the local ids. Each set is sorted.
type Diff struct {
	New     []string // external only
	Deleted []string // local only
	Stale   []string // both
}

// ComputeDiff builds the Diff of external and local ids. Duplicate ids in
// either input are counted once.
func ComputeDiff(external, local []string) Diff {
	ext := toSet(external)
	loc := toSet(local)

	d := Diff{
		New:     []string{},
		Deleted: []string{},
		Stale:   []string{},
	}
	for id := range ext {
		if _, ok := loc[id]; ok {
			d.Stale = append(d.Stale, id)
		} else {
			d.New = append(d.New, id)
		}
	}
	for id := range loc {
		if _, ok := ext[id]; !ok {
			d.Deleted = append(d.Deleted, id)
		}
	}

	sort.Strings(d.New)
	sort.Strings(d.Deleted)
	sort.Strings(d.Stale)
	return d
}

// Empty reports whether the diff carries no ids at all.
func (d Diff) Empty() bool {
	return len(d.New) == 0 && len(d.Deleted) == 0 && len(d.Stale) == 0
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
