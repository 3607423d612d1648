// ABOUTME: Canned responses for the fake agent's request handling
// ABOUTME: Answers login, contact and send requests and echoes sent texts back

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/matrix-wechat/internal/agent"
)

// simulator holds the state of one simulated WeChat account.
type simulator struct {
	uin  string
	name string

	mu       sync.Mutex
	loggedIn bool
	qrShown  bool
	nextMsg  atomic.Int64
}

func newSimulator(uin, name string, loggedIn bool) *simulator {
	return &simulator{uin: uin, name: name, loggedIn: loggedIn}
}

// sendRequest is the data of send_* requests.
type sendRequest struct {
	ChatID  string `json:"chat_id"`
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to"`
}

// handle answers one request frame. The returned event, when non-nil,
// should be pushed back to the bridge as an incoming message.
func (s *simulator) handle(f agent.Frame) (*agent.Response, *agent.Event) {
	var req struct {
		Type agent.RequestType `json:"type"`
		Data json.RawMessage   `json:"data"`
	}
	if err := json.Unmarshal(f.Data, &req); err != nil {
		return fail("", "bad_request", err.Error()), nil
	}

	switch req.Type {
	case agent.RequestConnect, agent.RequestDisconnect, agent.RequestRevokeMsg,
		agent.RequestSetNickname, agent.RequestSetAvatar, agent.RequestRefreshContacts,
		agent.RequestSyncMessages:
		return ok(req.Type, struct{}{}), nil

	case agent.RequestLoginQR:
		s.mu.Lock()
		s.qrShown = true
		s.mu.Unlock()
		return ok(req.Type, map[string][]byte{"qrcode": []byte("fake-qr:" + s.uin)}), nil

	case agent.RequestIsLogin:
		// The first poll after a QR was shown counts as the scan.
		s.mu.Lock()
		if s.qrShown {
			s.loggedIn = true
		}
		state := s.loggedIn
		s.mu.Unlock()
		return ok(req.Type, state), nil

	case agent.RequestGetSelf:
		return ok(req.Type, agent.UserInfo{ID: s.uin, Name: s.name}), nil

	case agent.RequestGetUserInfo:
		var args []string
		_ = json.Unmarshal(req.Data, &args)
		if len(args) == 0 {
			return fail(req.Type, "bad_request", "missing wxid"), nil
		}
		return ok(req.Type, contact(args[0])), nil

	case agent.RequestGetFriendList:
		return ok(req.Type, []agent.UserInfo{contact("wxid_alice"), contact("wxid_bob")}), nil

	case agent.RequestGetGroupList:
		return ok(req.Type, []agent.GroupInfo{}), nil

	case agent.RequestSendText:
		var body sendRequest
		if err := json.Unmarshal(req.Data, &body); err != nil || body.ChatID == "" {
			return fail(req.Type, "bad_request", "missing chat_id"), nil
		}
		id := s.msgID()
		return ok(req.Type, map[string]string{"msg_id": id}), s.echo(body)

	case agent.RequestSendImage, agent.RequestSendVideo, agent.RequestSendAudio,
		agent.RequestSendFile, agent.RequestSendEmoji:
		return ok(req.Type, map[string]string{"msg_id": s.msgID()}), nil
	}
	return fail(req.Type, "unsupported", fmt.Sprintf("%s: %v", req.Type, errUnsupported)), nil
}

func (s *simulator) msgID() string {
	return fmt.Sprintf("fake-%d", s.nextMsg.Add(1))
}

// echo builds the contact's reply to a text the bridge sent.
func (s *simulator) echo(body sendRequest) *agent.Event {
	if agent.IsGroupID(body.ChatID) {
		return nil
	}
	c := contact(body.ChatID)
	return &agent.Event{
		ID:        s.msgID(),
		Timestamp: time.Now().UnixMilli(),
		From:      agent.Sender{ID: c.ID, Username: c.Name},
		Chat:      agent.Chat{ID: c.ID, Type: agent.ChatPrivate},
		Type:      agent.EventText,
		Content:   "Echo: " + strings.TrimSpace(body.Text),
	}
}

func contact(wxid string) agent.UserInfo {
	return agent.UserInfo{ID: wxid, Name: strings.TrimPrefix(wxid, "wxid_")}
}

func ok(typ agent.RequestType, data any) *agent.Response {
	raw, _ := json.Marshal(data)
	return &agent.Response{Type: typ, Data: raw}
}

func fail(typ agent.RequestType, code, msg string) *agent.Response {
	return &agent.Response{Type: typ, Error: &agent.ErrorPayload{Code: code, Message: msg}}
}
