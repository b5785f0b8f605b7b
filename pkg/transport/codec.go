package transport

import (
	"fmt"

	"github.com/golang/snappy"
)

// Frame is the single message type of the gRPC service. Its Data is snappy
// compressed on the wire.
type Frame struct {
	Data []byte
}

const codecName = "gocellar-frame"

// frameCodec replaces protobuf for the fabric service.
type frameCodec struct{}

func (frameCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("frame codec: unexpected type %T", v)
	}
	return compress(f.Data), nil
}

func (frameCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("frame codec: unexpected type %T", v)
	}
	raw, err := decompress(data)
	if err != nil {
		return err
	}
	f.Data = raw
	return nil
}

func (frameCodec) Name() string { return codecName }

func compress(b []byte) []byte { return snappy.Encode(nil, b) }

func decompress(b []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, fmt.Errorf("decompress frame: %w", err)
	}
	return out, nil
}
