package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRejectsFrameWithoutEvent(t *testing.T) {
	_, err := Decode([]byte(`{"data": 1}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frame, err := Encode(EventServerTime, ServerTimePayload{ServerTime: 12345})
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, EventServerTime, env.Event)

	var p ServerTimePayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, int64(12345), p.ServerTime)
}

func TestEncodeAckCarriesAckID(t *testing.T) {
	frame, err := EncodeAck(EventRoomsList, []RoomSummary{}, "req-7")
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, "req-7", env.Ack)
}

func TestDecodeRoomJoinBothForms(t *testing.T) {
	// 裸字符串形式
	id, err := DecodeRoomJoin(json.RawMessage(`"lobby1"`))
	require.NoError(t, err)
	assert.Equal(t, "lobby1", id)

	// 对象形式
	id, err = DecodeRoomJoin(json.RawMessage(`{"roomId": "lobby2"}`))
	require.NoError(t, err)
	assert.Equal(t, "lobby2", id)

	_, err = DecodeRoomJoin(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestDecodeScalarFloat(t *testing.T) {
	v, err := DecodeScalarFloat(json.RawMessage(`120.5`))
	require.NoError(t, err)
	assert.Equal(t, 120.5, v)

	_, err = DecodeScalarFloat(json.RawMessage(`"not a number"`))
	assert.Error(t, err)
}

func TestDecodeCursorMove(t *testing.T) {
	p, err := DecodeCursorMove(json.RawMessage(`{"x": 51.2, "y": 9.9}`))
	require.NoError(t, err)
	assert.Equal(t, 51.2, p.X)
	assert.Equal(t, 9.9, p.Y)
}

func TestDecodeReactionSend(t *testing.T) {
	p, err := DecodeReactionSend(json.RawMessage(`{"emoji":"🎉","x":10,"y":20,"videoTime":33.3}`))
	require.NoError(t, err)
	assert.Equal(t, "🎉", p.Emoji)
	assert.Equal(t, 33.3, p.VideoTime)
}
