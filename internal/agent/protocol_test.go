// ABOUTME: Tests for agent wire protocol decoding
// ABOUTME: Covers event payloads, timestamps, group ids and response decoding

package agent

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_Decode(t *testing.T) {
	raw := `{
		"id": "m1",
		"timestamp": 1700000000,
		"from": {"id": "wxid_a", "username": "Alice", "remark": "Al"},
		"chat": {"id": "wxid_a", "type": "private"},
		"type": "location",
		"mentions": ["wxid_b"],
		"reply": {"id": "m0", "ts": 1699999999, "sender": "wxid_b", "content": "hi"},
		"data": {"name": "Cafe", "address": "Main St 1", "latitude": 1.5, "longitude": 2.5}
	}`

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	assert.Equal(t, EventLocation, ev.Type)
	assert.Equal(t, ChatPrivate, ev.Chat.Type)
	assert.Equal(t, "Al", ev.From.Remark)
	require.NotNil(t, ev.Reply)
	assert.Equal(t, "m0", ev.Reply.ID)

	var loc LocationData
	require.NoError(t, ev.DecodeData(&loc))
	assert.Equal(t, "Cafe", loc.Name)
	assert.InDelta(t, 1.5, loc.Latitude, 0.0001)
}

func TestEvent_DecodeDataMissing(t *testing.T) {
	ev := Event{ID: "m1"}
	var loc LocationData
	assert.True(t, errors.Is(ev.DecodeData(&loc), ErrDecode))
}

func TestEvent_Time(t *testing.T) {
	secs := Event{Timestamp: 1700000000}
	millis := Event{Timestamp: 1700000000123}

	assert.Equal(t, time.Unix(1700000000, 0), secs.Time())
	assert.Equal(t, time.UnixMilli(1700000000123), millis.Time())
}

func TestIsGroupID(t *testing.T) {
	assert.True(t, IsGroupID("@@abcdef"))
	assert.True(t, IsGroupID("123456@chatroom"))
	assert.False(t, IsGroupID("@abcdef"))
	assert.False(t, IsGroupID("wxid_abc"))
}

func TestResponse_Decode(t *testing.T) {
	resp := Response{Type: RequestGetSelf, Data: json.RawMessage(`{"id":"wxid_me","name":"Me"}`)}
	var info UserInfo
	require.NoError(t, resp.Decode(&info))
	assert.Equal(t, "wxid_me", info.ID)

	empty := Response{Type: RequestGetSelf}
	assert.ErrorIs(t, empty.Decode(&info), ErrDecode)

	bad := Response{Type: RequestGetSelf, Data: json.RawMessage(`"nope"`)}
	assert.ErrorIs(t, bad.Decode(&info), ErrDecode)
}

func TestBlobData_BinaryIsBase64(t *testing.T) {
	var blob BlobData
	require.NoError(t, json.Unmarshal([]byte(`{"name":"a.txt","binary":"aGVsbG8="}`), &blob))
	assert.Equal(t, []byte("hello"), blob.Binary)
}

func TestErrors(t *testing.T) {
	assert.ErrorIs(t, &transportError{kind: "timeout"}, ErrTimeout)
	assert.NotErrorIs(t, ErrTimeout, ErrNoConnection)

	remote := &RemoteError{Type: RequestSendText, Code: "not_logged_in", Message: "login first"}
	assert.True(t, IsRemote(remote))
	assert.False(t, IsRemote(ErrTimeout))
	assert.Contains(t, remote.Error(), "not_logged_in")
}
