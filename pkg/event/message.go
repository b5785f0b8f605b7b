package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gocellar/pkg/cluster"
)

// DefaultTimeout bounds a command when the caller sets none.
const DefaultTimeout = 10 * time.Second

var (
	ErrUnknownKind        = errors.New("unknown message kind")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrNilMessage         = errors.New("nil message")
)

// MessageType discriminates the three message shapes on the wire.
type MessageType uint8

const (
	TypeEvent MessageType = iota + 1
	TypeCommand
	TypeResult
)

func (t MessageType) String() string {
	switch t {
	case TypeEvent:
		return "event"
	case TypeCommand:
		return "command"
	case TypeResult:
		return "result"
	default:
		return "unknown"
	}
}

// Header is carried by every message.
type Header struct {
	ID          string       `json:"id"`
	Kind        Kind         `json:"kind"`
	SourceNode  cluster.Node `json:"source_node"`
	SourceGroup string       `json:"source_group,omitempty"`
	// Destinations overrides group fan-out when set.
	Destinations []cluster.Node `json:"destinations,omitempty"`
	// Resource is the item identifier checked against group policies.
	Resource string `json:"resource,omitempty"`
	// Force bypasses the consumer switch on the receiving node.
	Force bool `json:"force,omitempty"`
}

// Head gives access to the header of any message.
func (h *Header) Head() *Header { return h }

// Message is implemented by *Event, *Command and *Result only.
type Message interface {
	Head() *Header
	Type() MessageType
}

// Event is a fire-and-forget notification.
type Event struct {
	Header
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (*Event) Type() MessageType { return TypeEvent }

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error { return decodePayload(e.Payload, v) }

// Command is a request expecting one Result per destination.
type Command struct {
	Header
	Timeout time.Duration   `json:"timeout"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (*Command) Type() MessageType { return TypeCommand }

func (c *Command) Decode(v any) error { return decodePayload(c.Payload, v) }

// Result is one destination's reply to a command. Its ID is the command ID and
// its SourceNode is the replier.
type Result struct {
	Header
	Successful bool            `json:"successful"`
	Error      string          `json:"error,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	cause error
}

func (*Result) Type() MessageType { return TypeResult }

func (r *Result) Decode(v any) error { return decodePayload(r.Payload, v) }

// Err returns nil for a successful result. Locally built failures keep their
// original error; remote ones surface as *RemoteError.
func (r *Result) Err() error {
	if r == nil || r.Successful {
		return nil
	}
	if r.cause != nil {
		return r.cause
	}
	return &RemoteError{Node: r.SourceNode.ID, Message: r.Error}
}

// RemoteError is a failure reported by a peer.
type RemoteError struct {
	Node    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("node %s: %s", e.Node, e.Message)
}

// NewEvent builds an event with a fresh ID.
func NewEvent(kind Kind, source cluster.Node, group string, payload any) (*Event, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		Header:  Header{ID: uuid.NewString(), Kind: kind, SourceNode: source, SourceGroup: group},
		Payload: raw,
	}, nil
}

// NewCommand builds a command with a fresh ID. Its timeout is left unset so
// the executing node's default applies.
func NewCommand(kind Kind, source cluster.Node, group string, payload any) (*Command, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Command{
		Header:  Header{ID: uuid.NewString(), Kind: kind, SourceNode: source, SourceGroup: group},
		Payload: raw,
	}, nil
}

// EffectiveTimeout returns Timeout, or DefaultTimeout when unset.
func (c *Command) EffectiveTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// NewResult builds the reply of replier to cmd. A non-nil err makes it a failure.
func NewResult(cmd *Command, replier cluster.Node, payload json.RawMessage, err error) *Result {
	r := &Result{
		Header: Header{
			ID:          cmd.ID,
			Kind:        cmd.Kind,
			SourceNode:  replier,
			SourceGroup: cmd.SourceGroup,
		},
		Successful: err == nil,
		Payload:    payload,
	}
	if err != nil {
		r.Error = err.Error()
		r.cause = err
	}
	return r
}

// NewFailure builds a failed result standing in for node's missing reply.
func NewFailure(cmd *Command, node cluster.Node, cause error) *Result {
	return NewResult(cmd, node, nil, cause)
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return b, nil
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
