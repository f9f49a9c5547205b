package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridpresence/grid"
)

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder(grid.DefaultBounds())
	require.NoError(t, err)
	return d
}

func TestDecodeInit(t *testing.T) {
	d := newTestDecoder(t)
	msg, err := d.Decode([]byte(`{
	  "type":"init",
	  "your_position":{"gridX":4,"gridY":3,"direction":"down"},
	  "your_email_prefix":"alice",
	  "your_status_message":"busy",
	  "players":{
	    "u1":{"user_info":{"id":"u1","name":"Bob","email_prefix":"bob"},"position":{"gridX":3,"gridY":3,"direction":"left"}}
	  }
	}`))
	require.NoError(t, err)
	m, ok := msg.(InitMsg)
	require.True(t, ok)
	assert.Equal(t, grid.Position{X: 4, Y: 3}, m.YourPosition.Cell())
	require.NotNil(t, m.YourEmailPrefix)
	assert.Equal(t, "alice", *m.YourEmailPrefix)
	require.Contains(t, m.Players, "u1")
	assert.Equal(t, grid.DirLeft, m.Players["u1"].Position.Direction)
	assert.Equal(t, "Bob", m.Players["u1"].UserInfo.Name)
}

func TestDecodePlayerMoved(t *testing.T) {
	d := newTestDecoder(t)
	msg, err := d.Decode([]byte(`{"type":"player_moved","user_id":"u1","position":{"gridX":1,"gridY":2,"direction":"default"}}`))
	require.NoError(t, err)
	m := msg.(PlayerMovedMsg)
	assert.Equal(t, "u1", m.UserID)
	assert.Equal(t, grid.DirDefault, m.Position.Direction)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	d := newTestDecoder(t)
	cases := map[string]string{
		"not json":          `{"type":`,
		"not object":        `[1,2]`,
		"missing user_id":   `{"type":"player_left"}`,
		"fractional coord":  `{"type":"player_moved","user_id":"u1","position":{"gridX":1.5,"gridY":2,"direction":"up"}}`,
		"negative coord":    `{"type":"player_moved","user_id":"u1","position":{"gridX":-1,"gridY":2,"direction":"up"}}`,
		"unknown direction": `{"type":"player_moved","user_id":"u1","position":{"gridX":1,"gridY":2,"direction":"north"}}`,
		"out of bounds":     `{"type":"player_joined","user_id":"u1","user_info":{"id":"u1"},"position":{"gridX":24,"gridY":0}}`,
		"move missing dir":  `{"type":"move","gridX":1,"gridY":1}`,
	}
	for name, raw := range cases {
		_, err := d.Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, name)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	d := newTestDecoder(t)
	_, err := d.Decode([]byte(`{"type":"chat","text":"hi"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestEncodeMoveFillsType(t *testing.T) {
	b, err := Encode(MoveMsg{GridX: 0, GridY: 0, Direction: grid.DirLeft})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"move","gridX":0,"gridY":0,"direction":"left"}`, string(b))

	d := newTestDecoder(t)
	msg, err := d.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, NewMove(grid.Position{}, grid.DirLeft), msg)
}
