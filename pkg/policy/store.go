package policy

import (
	"errors"
	"sort"
	"sync"
)

// ErrGroupConfigNotFound means no configuration exists for the named group.
var ErrGroupConfigNotFound = errors.New("group configuration not found")

// Lists is one direction's whitelist and blacklist.
type Lists struct {
	Whitelist []string `mapstructure:"whitelist" json:"whitelist,omitempty" yaml:"whitelist,omitempty"`
	Blacklist []string `mapstructure:"blacklist" json:"blacklist,omitempty" yaml:"blacklist,omitempty"`
}

func (l Lists) clone() Lists {
	return Lists{
		Whitelist: append([]string(nil), l.Whitelist...),
		Blacklist: append([]string(nil), l.Blacklist...),
	}
}

// CategoryPolicy configures one category within a group.
type CategoryPolicy struct {
	Sync     bool  `mapstructure:"sync" json:"sync" yaml:"sync"`
	Inbound  Lists `mapstructure:"inbound" json:"inbound" yaml:"inbound"`
	Outbound Lists `mapstructure:"outbound" json:"outbound" yaml:"outbound"`
}

// GroupConfiguration maps category name to its policy.
type GroupConfiguration struct {
	Categories map[string]CategoryPolicy `mapstructure:"categories" json:"categories" yaml:"categories"`
}

// Lists returns the lists for category in direction d. Unknown categories
// have empty lists.
func (g GroupConfiguration) Lists(category string, d Direction) Lists {
	cp, ok := g.Categories[category]
	if !ok {
		return Lists{}
	}
	if d == Outbound {
		return cp.Outbound
	}
	return cp.Inbound
}

func (g GroupConfiguration) clone() GroupConfiguration {
	out := GroupConfiguration{Categories: make(map[string]CategoryPolicy, len(g.Categories))}
	for name, cp := range g.Categories {
		out.Categories[name] = CategoryPolicy{Sync: cp.Sync, Inbound: cp.Inbound.clone(), Outbound: cp.Outbound.clone()}
	}
	return out
}

// Store holds the configuration of every group. Values handed out are never
// mutated afterwards; updates swap in fresh copies.
type Store struct {
	mu     sync.RWMutex
	groups map[string]GroupConfiguration
}

func NewStore(groups map[string]GroupConfiguration) *Store {
	s := &Store{}
	s.Replace(groups)
	return s
}

// Group returns the configuration of a group.
func (s *Store) Group(name string) (GroupConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[name]
	if !ok {
		return GroupConfiguration{}, ErrGroupConfigNotFound
	}
	return g, nil
}

// Set installs or overwrites one group's configuration.
func (s *Store) Set(name string, cfg GroupConfiguration) {
	c := cfg.clone()
	s.mu.Lock()
	s.groups[name] = c
	s.mu.Unlock()
}

// Replace swaps the whole table.
func (s *Store) Replace(groups map[string]GroupConfiguration) {
	next := make(map[string]GroupConfiguration, len(groups))
	for name, g := range groups {
		next[name] = g.clone()
	}
	s.mu.Lock()
	s.groups = next
	s.mu.Unlock()
}

// Groups returns the configured group names, sorted.
func (s *Store) Groups() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.groups))
	for name := range s.groups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
