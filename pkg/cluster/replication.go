package cluster

import (
	"encoding/json"
)

// OpType describes the replicated shared-map operation.
type OpType string

const (
	OpMapPut    OpType = "MAP_PUT"
	OpMapDelete OpType = "MAP_DELETE"
	OpMapDrop   OpType = "MAP_DROP"
)

// Op is the envelope replicated via Raft.
type Op struct {
	Version int             `json:"v"`
	Type    OpType          `json:"t"`
	Payload json.RawMessage `json:"p"`
}

type mapPut struct {
	Map   string `json:"m"`
	Key   string `json:"k"`
	Value []byte `json:"v"`
}

type mapDelete struct {
	Map  string   `json:"m"`
	Keys []string `json:"ks"`
}

type mapDrop struct {
	Map string `json:"m"`
}

// Marshal encodes the op to bytes.
func (o Op) Marshal() ([]byte, error) { return json.Marshal(o) }

func newOp(t OpType, payload any) (Op, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return Op{}, err
	}
	return Op{Version: 1, Type: t, Payload: p}, nil
}
