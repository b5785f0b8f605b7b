package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gocellar/pkg/cluster"
)

var nodeA = cluster.Node{ID: "node-a", Host: "127.0.0.1", Port: 5701}

func TestKindNames(t *testing.T) {
	for _, k := range Kinds() {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseKind("bogus")
	assert.ErrorIs(t, err, ErrUnknownKind)

	assert.Equal(t, CategoryConfig, KindConfig.Category())
	assert.Equal(t, "", KindPing.Category())
	assert.Equal(t, "handler.config", HandlerSwitch(KindConfig))
}

func TestEnvelopeEvent(t *testing.T) {
	ev, err := NewEvent(KindConfig, nodeA, "default", map[string]string{"pid": "org.example"})
	require.NoError(t, err)
	ev.Resource = "org.example"
	ev.Force = true

	data, err := Encode(ev)
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)

	got, ok := msg.(*Event)
	require.True(t, ok)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, KindConfig, got.Kind)
	assert.Equal(t, "org.example", got.Head().Resource)
	assert.True(t, got.Force)

	var payload map[string]string
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, "org.example", payload["pid"])
}

func TestEnvelopeCommandKeepsTimeout(t *testing.T) {
	cmd, err := NewCommand(KindPing, nodeA, "default", nil)
	require.NoError(t, err)
	assert.Zero(t, cmd.Timeout)
	assert.Equal(t, DefaultTimeout, cmd.EffectiveTimeout())
	cmd.Timeout = 250 * time.Millisecond
	cmd.Destinations = []cluster.Node{{ID: "node-b"}}

	data, err := Encode(cmd)
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)

	got := msg.(*Command)
	assert.Equal(t, TypeCommand, got.Type())
	assert.Equal(t, 250*time.Millisecond, got.EffectiveTimeout())
	assert.Equal(t, "node-b", got.Destinations[0].ID)
}

func TestResultErrors(t *testing.T) {
	cmd, err := NewCommand(KindPing, nodeA, "default", nil)
	require.NoError(t, err)
	nodeB := cluster.Node{ID: "node-b"}

	ok := NewResult(cmd, nodeB, json.RawMessage(`"pong"`), nil)
	assert.True(t, ok.Successful)
	assert.NoError(t, ok.Err())
	assert.Equal(t, cmd.ID, ok.ID)

	sentinel := errors.New("boom")
	local := NewFailure(cmd, nodeB, sentinel)
	assert.ErrorIs(t, local.Err(), sentinel)

	data, err := Encode(local)
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)
	remote := msg.(*Result)
	assert.False(t, remote.Successful)

	var re *RemoteError
	require.ErrorAs(t, remote.Err(), &re)
	assert.Equal(t, "node-b", re.Node)
	assert.Equal(t, "boom", re.Message)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"t":9,"b":{}}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	_, err = Encode(nil)
	assert.ErrorIs(t, err, ErrNilMessage)
}

func TestSwitchReadsBoardEveryTime(t *testing.T) {
	board := NewSwitchBoard(map[string]Status{ConsumerSwitch: Off})
	producer := board.Switch(ProducerSwitch)
	consumer := board.Switch(ConsumerSwitch)

	assert.True(t, producer.IsOn())
	assert.False(t, consumer.IsOn())

	producer.TurnOff()
	consumer.TurnOn()
	assert.Equal(t, Off, producer.Status())
	assert.Equal(t, On, consumer.Status())

	board.Replace(map[string]Status{ProducerSwitch: On})
	assert.True(t, producer.IsOn())
	assert.Equal(t, []string{ProducerSwitch}, board.Names())
	assert.Equal(t, map[string]Status{ProducerSwitch: On}, board.Snapshot())
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]Status{"on": On, "TRUE": On, "disabled": Off, " off ": Off} {
		got, err := ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStatus("maybe")
	assert.Error(t, err)
}
