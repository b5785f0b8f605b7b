package event

import (
	"fmt"
	"strings"
)

// Kind is the closed set of message kinds carried by the fabric. Handlers are
// bound per kind.
type Kind uint8

const (
	KindUnknown Kind = iota

	// resource events
	KindConfig
	KindBundle
	KindFeature
	KindRepository

	// control commands
	KindManageGroup
	KindProducerSwitch
	KindConsumerSwitch
	KindManageHandlers
	KindPing
)

// Policy categories.
const (
	CategoryConfig     = "config"
	CategoryBundle     = "bundle"
	CategoryFeature    = "feature"
	CategoryRepository = "repository"
)

var kindNames = map[Kind]string{
	KindUnknown:        "unknown",
	KindConfig:         "config",
	KindBundle:         "bundle",
	KindFeature:        "feature",
	KindRepository:     "repository",
	KindManageGroup:    "manage-group",
	KindProducerSwitch: "producer-switch",
	KindConsumerSwitch: "consumer-switch",
	KindManageHandlers: "manage-handlers",
	KindPing:           "ping",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Category returns the policy category of resource kinds, or "" for control
// kinds which are never filtered.
func (k Kind) Category() string {
	switch k {
	case KindConfig:
		return CategoryConfig
	case KindBundle:
		return CategoryBundle
	case KindFeature:
		return CategoryFeature
	case KindRepository:
		return CategoryRepository
	default:
		return ""
	}
}

// ParseKind resolves a kind by name.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == s && k != KindUnknown {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Kinds returns every known kind except KindUnknown.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindNames)-1)
	for k := KindConfig; k <= KindPing; k++ {
		out = append(out, k)
	}
	return out
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	if string(b) == kindNames[KindUnknown] {
		*k = KindUnknown
		return nil
	}
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
