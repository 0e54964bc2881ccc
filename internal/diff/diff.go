// Package diff classifies listing entries against stored watermarks.
package diff

import (
	"sort"

	"github.com/hotosm/tm-mirror/internal/model"
)

// Op is the action a listing entry calls for.
type Op string

const (
	OpAdd    Op = "add"
	OpUpdate Op = "update"
)

// Change is one id that must be fetched.
type Change struct {
	ID          model.EntityID
	LastUpdated string
	Op          Op
}

// Input bundles what Compute looks at.
type Input struct {
	Listing  []model.ListingItem
	State    model.SyncState
	Mirrored model.StatusSet
	// Complete is true when every listing page was read. Ids absent from an
	// incomplete listing are kept rather than removed.
	Complete bool
}

// Result partitions ids into disjoint sets, each sorted by id.
type Result struct {
	ToFetch   []Change
	ToRemove  []model.EntityID
	Unchanged []model.EntityID
}

// NoOp reports whether the run has nothing to fetch or remove.
func (r Result) NoOp() bool {
	return len(r.ToFetch) == 0 && len(r.ToRemove) == 0
}

// Counts returns the number of adds and updates in ToFetch.
func (r Result) Counts() (adds, updates int) {
	for _, c := range r.ToFetch {
		if c.Op == OpAdd {
			adds++
		} else {
			updates++
		}
	}
	return adds, updates
}

// Compute classifies every id in the listing or the stored watermarks. An
// entry is fetched only when its id has no watermark or its lastUpdated is
// strictly newer; equal timestamps are unchanged. It has no side effects.
func Compute(in Input) Result {
	listed := dedupe(in.Listing)
	var res Result

	for id, item := range listed {
		stored, known := in.State.Watermarks[id]
		// An unreadable status proves nothing about the project.
		if item.Status == model.StatusUnknown {
			if known {
				res.Unchanged = append(res.Unchanged, id)
			}
			continue
		}
		if !in.Mirrored.Contains(item.Status) {
			if known {
				res.ToRemove = append(res.ToRemove, id)
			}
			continue
		}
		switch {
		case !known:
			res.ToFetch = append(res.ToFetch, Change{ID: id, LastUpdated: item.LastUpdated, Op: OpAdd})
		case model.IsNewer(item.LastUpdated, stored):
			res.ToFetch = append(res.ToFetch, Change{ID: id, LastUpdated: item.LastUpdated, Op: OpUpdate})
		default:
			res.Unchanged = append(res.Unchanged, id)
		}
	}

	for id := range in.State.Watermarks {
		if _, ok := listed[id]; ok {
			continue
		}
		if in.Complete {
			res.ToRemove = append(res.ToRemove, id)
		} else {
			res.Unchanged = append(res.Unchanged, id)
		}
	}

	sortChanges(res.ToFetch)
	model.SortIDs(res.ToRemove)
	model.SortIDs(res.Unchanged)
	return res
}

// dedupe drops empty ids and keeps the newest entry per id.
func dedupe(items []model.ListingItem) map[model.EntityID]model.ListingItem {
	out := make(map[model.EntityID]model.ListingItem, len(items))
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		prev, ok := out[item.ID]
		if ok && !model.IsNewer(item.LastUpdated, prev.LastUpdated) {
			continue
		}
		out[item.ID] = item
	}
	return out
}

func sortChanges(cs []Change) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID.Less(cs[j].ID) })
}
