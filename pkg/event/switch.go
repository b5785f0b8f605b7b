package event

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Well-known switch names.
const (
	ProducerSwitch = "producer"
	ConsumerSwitch = "consumer"
	handlerPrefix  = "handler."
)

// HandlerSwitch names the switch gating the handler bound to kind.
func HandlerSwitch(k Kind) string { return handlerPrefix + k.String() }

// Status is the state of a switch.
type Status bool

const (
	Off Status = false
	On  Status = true
)

func (s Status) String() string {
	if s {
		return "on"
	}
	return "off"
}

// ParseStatus accepts on/off, true/false, enable(d)/disable(d).
func ParseStatus(v string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "enable", "enabled":
		return On, nil
	case "off", "false", "disable", "disabled":
		return Off, nil
	}
	return Off, fmt.Errorf("invalid switch status %q", v)
}

// SwitchBoard holds the current state of every named switch. Unknown switches
// are ON.
type SwitchBoard struct {
	mu     sync.RWMutex
	states map[string]Status
}

func NewSwitchBoard(initial map[string]Status) *SwitchBoard {
	b := &SwitchBoard{states: make(map[string]Status, len(initial))}
	for k, v := range initial {
		b.states[k] = v
	}
	return b
}

func (b *SwitchBoard) Status(name string) Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.states[name]
	if !ok {
		return On
	}
	return s
}

func (b *SwitchBoard) Set(name string, s Status) {
	b.mu.Lock()
	b.states[name] = s
	b.mu.Unlock()
}

// Replace swaps every state at once, e.g. after a configuration reload.
func (b *SwitchBoard) Replace(states map[string]Status) {
	next := make(map[string]Status, len(states))
	for k, v := range states {
		next[k] = v
	}
	b.mu.Lock()
	b.states = next
	b.mu.Unlock()
}

// Snapshot returns a copy of the explicitly set states.
func (b *SwitchBoard) Snapshot() map[string]Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Status, len(b.states))
	for k, v := range b.states {
		out[k] = v
	}
	return out
}

// Names returns the explicitly set switch names, sorted.
func (b *SwitchBoard) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.states))
	for k := range b.states {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Switch returns a handle whose status is read from the board on every call.
func (b *SwitchBoard) Switch(name string) Switch { return Switch{name: name, board: b} }

// Switch is a named view onto a SwitchBoard entry.
type Switch struct {
	name  string
	board *SwitchBoard
}

func (s Switch) Name() string { return s.name }

func (s Switch) Status() Status {
	if s.board == nil {
		return On
	}
	return s.board.Status(s.name)
}

func (s Switch) IsOn() bool { return s.Status() == On }

func (s Switch) TurnOn()  { s.board.Set(s.name, On) }
func (s Switch) TurnOff() { s.board.Set(s.name, Off) }
