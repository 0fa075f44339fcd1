package item

import (
	"fmt"
	"log/slog"
	"sort"
)

// Registry owns every Item for the process lifetime, keyed by id. Items
// live in one owning map; links and handlers refer to them by string
// key only (spec.md §9 "Cyclic references").
type Registry struct {
	items map[string]*Item
	order []string // insertion order, for stable iteration in logs/tests
}

// NewRegistry creates an empty item registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]*Item)}
}

// Add registers an item. Panics if the id is already registered — this
// indicates a configuration-loading bug, not a runtime condition.
func (r *Registry) Add(it *Item) {
	if _, exists := r.items[it.ID]; exists {
		panic(fmt.Sprintf("item %s registered twice", it.ID))
	}
	r.items[it.ID] = it
	r.order = append(r.order, it.ID)
}

// Get looks up an item by id.
func (r *Registry) Get(id string) (*Item, bool) {
	it, ok := r.items[id]
	return it, ok
}

// MustGet looks up an item by id, panicking if absent. Used only after
// Validate has confirmed every referenced id exists.
func (r *Registry) MustGet(id string) *Item {
	it, ok := r.items[id]
	if !ok {
		panic(fmt.Sprintf("item %s not found", id))
	}
	return it
}

// All returns every item in stable (insertion) order.
func (r *Registry) All() []*Item {
	out := make([]*Item, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.items[id])
	}
	return out
}

// OwnedBy returns every item whose OwnerID equals ownerID, in stable order.
func (r *Registry) OwnedBy(ownerID string) []*Item {
	var out []*Item
	for _, id := range r.order {
		it := r.items[id]
		if it.OwnerID == ownerID {
			out = append(out, it)
		}
	}
	return out
}

// Validate checks the cross-item invariants of spec.md §3: owner_id
// must equal controlLinkId or reference a known link, and every item
// owned by a link must appear in that link's binding set (checked by
// each link's Validate, which delegates to its handler — this pass only
// confirms linkIDs exist in the supplied set).
func (r *Registry) Validate(controlLinkID string, knownLinkIDs map[string]bool, logger *slog.Logger) error {
	ids := append([]string(nil), r.order...)
	sort.Strings(ids)
	for _, id := range ids {
		it := r.items[id]
		if err := it.Validate(); err != nil {
			return err
		}
		if it.OwnerID != controlLinkID && !knownLinkIDs[it.OwnerID] {
			return fmt.Errorf("item %s: owner_id %q references unknown link", it.ID, it.OwnerID)
		}
		if it.HasSuspectPolling() && logger != nil {
			logger.Warn("item polls but is not readable", "item", it.ID)
		}
	}
	return nil
}
