package policy

import "fmt"

// Filter checks items against the lists held in a Store.
type Filter struct {
	store *Store
}

func NewFilter(store *Store) *Filter { return &Filter{store: store} }

// Store returns the backing store.
func (f *Filter) Store() *Store { return f.store }

// Allowed checks item for category in direction d on group. A group without
// configuration is an error.
func (f *Filter) Allowed(group, category string, d Direction, item string) (bool, error) {
	cfg, err := f.store.Group(group)
	if err != nil {
		return false, fmt.Errorf("%s policy for group %q: %w", d, group, err)
	}
	l := cfg.Lists(category, d)
	return IsAllowed(item, l.Whitelist, l.Blacklist), nil
}

// SyncEnabled reports whether category is synchronized for group.
func (f *Filter) SyncEnabled(group, category string) bool {
	cfg, err := f.store.Group(group)
	if err != nil {
		return false
	}
	return cfg.Categories[category].Sync
}
