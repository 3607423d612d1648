// ABOUTME: Typed agent client bound to one Matrix account
// ABOUTME: Wraps every agent request type with its payload and response shape

package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Requester is the transport capability a Client needs.
type Requester interface {
	Request(ctx context.Context, mxid string, req *Request) (*Response, error)
}

// Client issues agent requests on behalf of a single Matrix user.
type Client struct {
	mxid string
	tr   Requester
}

// NewClient binds a client to mxid.
func NewClient(tr Requester, mxid string) *Client {
	return &Client{mxid: mxid, tr: tr}
}

// MXID returns the Matrix account this client acts for.
func (c *Client) MXID() string { return c.mxid }

func (c *Client) call(ctx context.Context, typ RequestType, data any) (*Response, error) {
	return c.tr.Request(ctx, c.mxid, &Request{Type: typ, Data: data})
}

func (c *Client) callInto(ctx context.Context, typ RequestType, data any, out any) error {
	resp, err := c.call(ctx, typ, data)
	if err != nil {
		return err
	}
	if err := resp.Decode(out); err != nil {
		return fmt.Errorf("%s response: %w", typ, err)
	}
	return nil
}

// sendResult is the response data of every send_* request.
type sendResult struct {
	MsgID string `json:"msg_id"`
}

func (c *Client) send(ctx context.Context, typ RequestType, payload map[string]any) (string, error) {
	var res sendResult
	if err := c.callInto(ctx, typ, payload, &res); err != nil {
		return "", err
	}
	if res.MsgID == "" {
		return "", fmt.Errorf("%s response: %w: missing msg_id", typ, ErrDecode)
	}
	return res.MsgID, nil
}

func withReply(payload map[string]any, replyTo string) map[string]any {
	if replyTo != "" {
		payload["reply_to"] = replyTo
	}
	return payload
}

func (c *Client) Connect(ctx context.Context) error {
	_, err := c.call(ctx, RequestConnect, nil)
	return err
}

func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.call(ctx, RequestDisconnect, nil)
	return err
}

// LoginQR asks the agent to start a QR login and returns the QR payload.
func (c *Client) LoginQR(ctx context.Context) ([]byte, error) {
	return c.blob(ctx, RequestLoginQR, nil, "qrcode")
}

// IsLoggedIn reports whether the agent session is authenticated.
// A missing or non-boolean payload counts as logged out.
func (c *Client) IsLoggedIn(ctx context.Context) (bool, error) {
	resp, err := c.call(ctx, RequestIsLogin, nil)
	if err != nil {
		return false, err
	}
	var ok bool
	if len(resp.Data) > 0 {
		_ = json.Unmarshal(resp.Data, &ok)
	}
	return ok, nil
}

func (c *Client) GetSelf(ctx context.Context) (*UserInfo, error) {
	var info UserInfo
	if err := c.callInto(ctx, RequestGetSelf, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) GetUserInfo(ctx context.Context, wxid string) (*UserInfo, error) {
	var info UserInfo
	if err := c.callInto(ctx, RequestGetUserInfo, []string{wxid}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) GetGroupInfo(ctx context.Context, groupID string) (*GroupInfo, error) {
	var info GroupInfo
	if err := c.callInto(ctx, RequestGetGroupInfo, []string{groupID}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) GetGroupMembers(ctx context.Context, groupID string) ([]GroupMember, error) {
	var members []GroupMember
	if err := c.callInto(ctx, RequestGetGroupMembers, []string{groupID}, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c *Client) GetGroupMemberNickname(ctx context.Context, groupID, memberID string) (string, error) {
	var nick string
	if err := c.callInto(ctx, RequestGetGroupMemberNickname, []string{groupID, memberID}, &nick); err != nil {
		return "", err
	}
	return nick, nil
}

func (c *Client) GetFriendList(ctx context.Context) ([]UserInfo, error) {
	var friends []UserInfo
	if err := c.callInto(ctx, RequestGetFriendList, nil, &friends); err != nil {
		return nil, err
	}
	return friends, nil
}

func (c *Client) GetGroupList(ctx context.Context) ([]GroupInfo, error) {
	var groups []GroupInfo
	if err := c.callInto(ctx, RequestGetGroupList, nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// SendText sends a text message and returns the WeChat message id.
func (c *Client) SendText(ctx context.Context, chatID, text, replyTo string) (string, error) {
	return c.send(ctx, RequestSendText, withReply(map[string]any{"chat_id": chatID, "text": text}, replyTo))
}

func (c *Client) SendImage(ctx context.Context, chatID string, data []byte, replyTo string) (string, error) {
	return c.send(ctx, RequestSendImage, withReply(map[string]any{"chat_id": chatID, "image": data}, replyTo))
}

func (c *Client) SendVideo(ctx context.Context, chatID string, data []byte, replyTo string) (string, error) {
	return c.send(ctx, RequestSendVideo, withReply(map[string]any{"chat_id": chatID, "video": data}, replyTo))
}

func (c *Client) SendAudio(ctx context.Context, chatID string, data []byte, replyTo string) (string, error) {
	return c.send(ctx, RequestSendAudio, withReply(map[string]any{"chat_id": chatID, "audio": data}, replyTo))
}

func (c *Client) SendFile(ctx context.Context, chatID string, data []byte, filename, replyTo string) (string, error) {
	return c.send(ctx, RequestSendFile, withReply(map[string]any{"chat_id": chatID, "file": data, "filename": filename}, replyTo))
}

func (c *Client) SendEmoji(ctx context.Context, chatID string, data []byte) (string, error) {
	return c.send(ctx, RequestSendEmoji, map[string]any{"chat_id": chatID, "emoji": data})
}

func (c *Client) RevokeMessage(ctx context.Context, chatID, msgID string) error {
	_, err := c.call(ctx, RequestRevokeMsg, []string{chatID, msgID})
	return err
}

// blob fetches a base64 payload stored under key in the response data.
func (c *Client) blob(ctx context.Context, typ RequestType, data any, key string) ([]byte, error) {
	var out map[string][]byte
	if err := c.callInto(ctx, typ, data, &out); err != nil {
		return nil, err
	}
	b, ok := out[key]
	if !ok {
		return nil, fmt.Errorf("%s response: %w: missing %s", typ, ErrDecode, key)
	}
	return b, nil
}

func (c *Client) DownloadImage(ctx context.Context, xml string) ([]byte, error) {
	return c.blob(ctx, RequestDownloadImage, []string{xml}, "image")
}

func (c *Client) DownloadVideo(ctx context.Context, xml string) ([]byte, error) {
	return c.blob(ctx, RequestDownloadVideo, []string{xml}, "video")
}

func (c *Client) DownloadAudio(ctx context.Context, xml string) ([]byte, error) {
	return c.blob(ctx, RequestDownloadAudio, []string{xml}, "audio")
}

func (c *Client) DownloadFile(ctx context.Context, xml string) ([]byte, error) {
	return c.blob(ctx, RequestDownloadFile, []string{xml}, "file")
}

func (c *Client) SetNickname(ctx context.Context, name string) error {
	_, err := c.call(ctx, RequestSetNickname, []string{name})
	return err
}

func (c *Client) SetAvatar(ctx context.Context, data []byte) error {
	_, err := c.call(ctx, RequestSetAvatar, [][]byte{data})
	return err
}

// GetQRCode returns the current login QR code image.
func (c *Client) GetQRCode(ctx context.Context) ([]byte, error) {
	return c.blob(ctx, RequestGetQRCode, nil, "qrcode")
}

func (c *Client) AcceptFriend(ctx context.Context, v3 string) error {
	_, err := c.call(ctx, RequestAcceptFriend, []string{v3})
	return err
}

// CreateGroup creates a group with the given members and returns its info.
func (c *Client) CreateGroup(ctx context.Context, memberIDs []string, name string) (*GroupInfo, error) {
	var info GroupInfo
	if err := c.callInto(ctx, RequestCreateGroup, []any{memberIDs, name}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) SetGroupName(ctx context.Context, groupID, name string) error {
	_, err := c.call(ctx, RequestSetGroupName, []string{groupID, name})
	return err
}

func (c *Client) InviteGroupMembers(ctx context.Context, groupID string, memberIDs []string) error {
	_, err := c.call(ctx, RequestInviteGroupMember, []any{groupID, memberIDs})
	return err
}

func (c *Client) RemoveGroupMembers(ctx context.Context, groupID string, memberIDs []string) error {
	_, err := c.call(ctx, RequestRemoveGroupMember, []any{groupID, memberIDs})
	return err
}

func (c *Client) QuitGroup(ctx context.Context, groupID string) error {
	_, err := c.call(ctx, RequestQuitGroup, []string{groupID})
	return err
}

func (c *Client) RefreshContacts(ctx context.Context) error {
	_, err := c.call(ctx, RequestRefreshContacts, nil)
	return err
}

func (c *Client) SyncMessages(ctx context.Context) error {
	_, err := c.call(ctx, RequestSyncMessages, nil)
	return err
}
