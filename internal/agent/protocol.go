// ABOUTME: Wire protocol spoken between the bridge and the WeChat agent
// ABOUTME: Frames, request/response envelopes, push events and payload shapes

package agent

import (
	"encoding/json"
	"strings"
	"time"
)

// FrameType tags a frame as a request or a response.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
)

// Frame is one JSON message on the agent WebSocket.
// ID correlates a response with the request that caused it; MXID names the
// Matrix account the request acts for.
type Frame struct {
	ID   int64           `json:"id"`
	MXID string          `json:"mxid"`
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RequestType enumerates every operation the agent understands.
type RequestType string

const (
	RequestEvent                  RequestType = "event"
	RequestConnect                RequestType = "connect"
	RequestDisconnect             RequestType = "disconnect"
	RequestLoginQR                RequestType = "login_qr"
	RequestIsLogin                RequestType = "is_login"
	RequestGetSelf                RequestType = "get_self"
	RequestGetUserInfo            RequestType = "get_user_info"
	RequestGetGroupInfo           RequestType = "get_group_info"
	RequestGetGroupMembers        RequestType = "get_group_members"
	RequestGetGroupMemberNickname RequestType = "get_group_member_nickname"
	RequestGetFriendList          RequestType = "get_friend_list"
	RequestGetGroupList           RequestType = "get_group_list"
	RequestSendText               RequestType = "send_text"
	RequestSendImage              RequestType = "send_image"
	RequestSendVideo              RequestType = "send_video"
	RequestSendAudio              RequestType = "send_audio"
	RequestSendFile               RequestType = "send_file"
	RequestSendEmoji              RequestType = "send_emoji"
	RequestRevokeMsg              RequestType = "revoke_msg"
	RequestDownloadImage          RequestType = "download_image"
	RequestDownloadVideo          RequestType = "download_video"
	RequestDownloadAudio          RequestType = "download_audio"
	RequestDownloadFile           RequestType = "download_file"
	RequestSetNickname            RequestType = "set_nickname"
	RequestSetAvatar              RequestType = "set_avatar"
	RequestGetQRCode              RequestType = "get_qrcode"
	RequestAcceptFriend           RequestType = "accept_friend"
	RequestCreateGroup            RequestType = "create_group"
	RequestSetGroupName           RequestType = "set_group_name"
	RequestInviteGroupMember      RequestType = "invite_group_member"
	RequestRemoveGroupMember      RequestType = "remove_group_member"
	RequestQuitGroup              RequestType = "quit_group"
	RequestRefreshContacts        RequestType = "refresh_contacts"
	RequestSyncMessages           RequestType = "sync_messages"
)

// Request is the payload of a request frame.
type Request struct {
	Type RequestType `json:"type"`
	Data any         `json:"data,omitempty"`
}

// ErrorPayload is the error half of a response.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the payload of a response frame.
type Response struct {
	Type  RequestType     `json:"type"`
	Error *ErrorPayload   `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the response data into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return ErrDecode
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return &transportError{kind: "decode", err: err}
	}
	return nil
}

// EventType is the kind of a push event.
type EventType string

const (
	EventText     EventType = "text"
	EventPhoto    EventType = "photo"
	EventSticker  EventType = "sticker"
	EventAudio    EventType = "audio"
	EventVideo    EventType = "video"
	EventFile     EventType = "file"
	EventLocation EventType = "location"
	EventNotice   EventType = "notice"
	EventApp      EventType = "app"
	EventRevoke   EventType = "revoke"
	EventVoip     EventType = "voip"
	EventSystem   EventType = "system"
)

// ChatType distinguishes one-to-one chats from groups.
type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
)

// Sender identifies the WeChat account that produced an event.
type Sender struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Remark   string `json:"remark,omitempty"`
}

// Chat identifies the conversation an event belongs to.
type Chat struct {
	ID    string   `json:"id"`
	Type  ChatType `json:"type"`
	Title string   `json:"title,omitempty"`
}

// ReplyInfo describes the message an event quotes.
type ReplyInfo struct {
	ID      string `json:"id"`
	TS      int64  `json:"ts"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// Event is an unsolicited push from the agent.
type Event struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	From      Sender          `json:"from"`
	Chat      Chat            `json:"chat"`
	Type      EventType       `json:"type"`
	Content   string          `json:"content,omitempty"`
	Mentions  []string        `json:"mentions,omitempty"`
	Reply     *ReplyInfo      `json:"reply,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Time converts the event timestamp, which the agent sends either in
// seconds or in milliseconds.
func (e *Event) Time() time.Time {
	if e.Timestamp > 1e12 {
		return time.UnixMilli(e.Timestamp)
	}
	return time.Unix(e.Timestamp, 0)
}

// DecodeData unmarshals the event's data field into v.
func (e *Event) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return ErrDecode
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &transportError{kind: "decode", err: err}
	}
	return nil
}

// Push is an Event together with the Matrix account it was delivered for.
type Push struct {
	MXID  string
	Event *Event
}

// UserInfo is a WeChat contact profile.
type UserInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Remark string `json:"remark,omitempty"`
}

// GroupInfo is a WeChat group profile.
type GroupInfo struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Avatar  string   `json:"avatar,omitempty"`
	Notice  string   `json:"notice,omitempty"`
	Members []string `json:"members"`
}

// IsGroupID reports whether a WeChat conversation id names a group.
func IsGroupID(id string) bool {
	return strings.HasPrefix(id, "@@") || strings.HasSuffix(id, "@chatroom")
}

// GroupMember is one member of a group.
type GroupMember struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Nickname string `json:"nickname,omitempty"`
}

// LocationData is the data of a location event.
type LocationData struct {
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// AppData is the data of an app (link card) event.
type AppData struct {
	Title  string            `json:"title,omitempty"`
	Desc   string            `json:"desc"`
	Source string            `json:"source,omitempty"`
	URL    string            `json:"url,omitempty"`
	Raw    string            `json:"raw"`
	Blobs  map[string]string `json:"blobs,omitempty"`
}

// BlobData is an inline binary attachment.
type BlobData struct {
	Name   string `json:"name,omitempty"`
	Mime   string `json:"mime,omitempty"`
	Binary []byte `json:"binary"`
}

// MediaRef is the data of photo/video/audio/file events. XML is the opaque
// reference passed back to the download_* requests.
type MediaRef struct {
	XML  string `json:"xml"`
	Name string `json:"name,omitempty"`
}

// RevokeData is the data of a revoke event.
type RevokeData struct {
	MsgID string `json:"msg_id"`
}
