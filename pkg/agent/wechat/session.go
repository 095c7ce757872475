// Copyright 2024-2026 Aiku AI

package wechat

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-wechat-agent/pkg/agent/retry"
	"github.com/aiku/matrix-wechat-agent/pkg/agent/wire"
)

// memberSeparator joins chatroom member ids in the member list response.
const memberSeparator = "^G"

// Session is one hooked WeChat process bound to a Matrix user. It is
// immutable and safe to copy.
type Session struct {
	PID          uint32
	ControlPort  int
	CallbackPort int
	SavePath     string
	Owner        id.UserID

	client *Client
}

// NewSession binds an existing hooked process to owner.
func NewSession(owner id.UserID, pid uint32, client *Client, callbackPort int, savePath string) Session {
	return Session{
		PID:          pid,
		ControlPort:  client.Port(),
		CallbackPort: callbackPort,
		SavePath:     savePath,
		Owner:        owner,
		client:       client,
	}
}

// UserInfo describes a WeChat user as the bridge expects it.
type UserInfo struct {
	ID       string `json:"wxId"`
	Nickname string `json:"wxNickName"`
	Avatar   string `json:"wxBigAvatar"`
	Remark   string `json:"wxRemark"`
}

// GroupInfo describes a WeChat chatroom.
type GroupInfo struct {
	ID       string   `json:"wxId"`
	Nickname string   `json:"wxNickName"`
	Avatar   string   `json:"wxBigAvatar"`
	Notice   string   `json:"notice"`
	Members  []string `json:"members"`
}

// StartHooks asks the hooked client to forward messages to the callback
// port and to save images and voice messages under the save path.
func (s Session) StartHooks(ctx context.Context) error {
	if err := s.client.callChecked(ctx, apiStartMessageHook, map[string]any{"port": s.CallbackPort}); err != nil {
		return fmt.Errorf("failed to start message hook: %w", err)
	}
	savePath := map[string]any{"save_path": s.SavePath}
	if err := s.client.callChecked(ctx, apiStartImageHook, savePath); err != nil {
		return fmt.Errorf("failed to start image hook: %w", err)
	}
	if err := s.client.callChecked(ctx, apiStartVoiceHook, savePath); err != nil {
		return fmt.Errorf("failed to start voice hook: %w", err)
	}
	return nil
}

// StopHooks reverses [Session.StartHooks]. All three hooks are attempted.
func (s Session) StopHooks(ctx context.Context) error {
	var errs []error
	for _, typ := range []int{apiStopMessageHook, apiStopImageHook, apiStopVoiceHook} {
		if err := s.client.callChecked(ctx, typ, nil); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to stop hooks: %w", errs[0])
	}
	return nil
}

// IsLogin reports whether the WeChat account is logged in.
func (s Session) IsLogin(ctx context.Context) (bool, error) {
	var resp struct {
		IsLogin int    `json:"is_login"`
		Result  string `json:"result"`
	}
	if err := s.client.callJSON(ctx, apiIsLogin, nil, &resp); err != nil {
		return false, err
	}
	if err := checkResult(apiIsLogin, resp.Result); err != nil {
		return false, err
	}
	return resp.IsLogin == 1, nil
}

// LoginQRCode returns the login QR code image.
func (s Session) LoginQRCode(ctx context.Context) ([]byte, error) {
	if err := retry.Sleep(ctx, s.client.qrDelay); err != nil {
		return nil, err
	}
	raw, err := s.client.call(ctx, apiGetQRCodeImage, nil)
	if err != nil {
		return nil, err
	}
	if gjson.ValidBytes(raw) {
		res := gjson.ParseBytes(raw)
		if res.IsObject() && res.Get("result").Exists() {
			return nil, fmt.Errorf("%w: failed to get QR code: %s", ErrUpstream, res.Get("msg").String())
		}
	}
	return raw, nil
}

// Logout logs the WeChat account out.
func (s Session) Logout(ctx context.Context) error {
	_, err := s.client.call(ctx, apiLogout, nil)
	return err
}

// GetSelf returns the logged in account.
func (s Session) GetSelf(ctx context.Context) (*UserInfo, error) {
	var resp struct {
		Result string   `json:"result"`
		Data   UserInfo `json:"data"`
	}
	if err := s.client.callJSON(ctx, apiGetSelfInfo, nil, &resp); err != nil {
		return nil, err
	}
	if err := checkResult(apiGetSelfInfo, resp.Result); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// GetUserInfo returns a single contact.
func (s Session) GetUserInfo(ctx context.Context, wxID string) (*UserInfo, error) {
	c, err := s.client.contactByID(ctx, wxID)
	if err != nil {
		return nil, err
	}
	info := c.userInfo()
	return &info, nil
}

// GetFriendList returns every non-chatroom contact of both contact
// databases.
func (s Session) GetFriendList(ctx context.Context) ([]UserInfo, error) {
	micro, err := s.client.microMsgContacts(ctx, "")
	if err != nil {
		return nil, err
	}
	openIM, err := s.client.openIMContacts(ctx, "")
	if err != nil {
		return nil, err
	}
	friends := make([]UserInfo, 0, len(micro)+len(openIM))
	for _, c := range append(micro, openIM...) {
		if strings.HasSuffix(c.Username, chatroomSuffix) {
			continue
		}
		friends = append(friends, c.userInfo())
	}
	return friends, nil
}

// GetGroupInfo returns a chatroom with its member list.
func (s Session) GetGroupInfo(ctx context.Context, groupID string) (*GroupInfo, error) {
	c, err := s.client.contactByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	members, err := s.GetGroupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	info := c.groupInfo()
	info.Members = members
	return &info, nil
}

// GetGroupMembers returns the member ids of a chatroom.
func (s Session) GetGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	var resp struct {
		Members string `json:"members"`
		Result  string `json:"result"`
	}
	if err := s.client.callJSON(ctx, apiChatroomMembers, map[string]any{"chatroom_id": groupID}, &resp); err != nil {
		return nil, err
	}
	if err := checkResult(apiChatroomMembers, resp.Result); err != nil {
		return nil, err
	}
	members := []string{}
	for _, m := range strings.Split(resp.Members, memberSeparator) {
		if m != "" {
			members = append(members, m)
		}
	}
	return members, nil
}

// GetGroupMemberNickname returns a member's display name in a chatroom.
func (s Session) GetGroupMemberNickname(ctx context.Context, groupID, wxID string) (string, error) {
	var resp struct {
		Nickname string `json:"nickname"`
	}
	req := map[string]any{"chatroom_id": groupID, "wxid": wxID}
	if err := s.client.callJSON(ctx, apiChatroomMemberName, req, &resp); err != nil {
		return "", err
	}
	return resp.Nickname, nil
}

// GetGroupList returns every chatroom in the contact database.
func (s Session) GetGroupList(ctx context.Context) ([]GroupInfo, error) {
	contacts, err := s.client.microMsgContacts(ctx, "")
	if err != nil {
		return nil, err
	}
	groups := []GroupInfo{}
	for _, c := range contacts {
		if strings.HasSuffix(c.Username, chatroomSuffix) {
			groups = append(groups, c.groupInfo())
		}
	}
	return groups, nil
}

// SendMessage delivers a bridge message. The message type and payload must
// pair up: text with no payload or mentions, image or video with a blob,
// file with a blob.
func (s Session) SendMessage(ctx context.Context, msg *wire.SendMessage) error {
	switch msg.Type {
	case event.MsgText:
		switch data := msg.Data.(type) {
		case nil:
			return s.SendText(ctx, msg.Target, msg.Content)
		case wire.Mentions:
			if len(data) == 0 {
				return s.SendText(ctx, msg.Target, msg.Content)
			}
			return s.SendAt(ctx, msg.Target, msg.Content, data)
		}
	case event.MsgImage, event.MsgVideo:
		if blob, ok := msg.Data.(*wire.Blob); ok {
			path, err := SaveBlob(s.SavePath, blob)
			if err != nil {
				return err
			}
			return s.SendImage(ctx, msg.Target, path)
		}
	case event.MsgFile:
		if blob, ok := msg.Data.(*wire.Blob); ok {
			path, err := SaveBlob(s.SavePath, blob)
			if err != nil {
				return err
			}
			return s.SendFile(ctx, msg.Target, path)
		}
	}
	return fmt.Errorf("%w: %s message with %T data", ErrMismatchedPayload, msg.Type, msg.Data)
}

// SendText sends a plain text message.
func (s Session) SendText(ctx context.Context, target, text string) error {
	return s.client.callChecked(ctx, apiSendText, map[string]any{"wxid": target, "msg": text})
}

// SendAt sends a chatroom message mentioning the given members.
func (s Session) SendAt(ctx context.Context, chatroom, text string, mentions []string) error {
	return s.client.callChecked(ctx, apiSendAt, map[string]any{
		"chatroom_id":   chatroom,
		"msg":           text,
		"wxids":         strings.Join(mentions, ","),
		"auto_nickname": 0,
	})
}

// SendImage sends the image at path.
func (s Session) SendImage(ctx context.Context, target, path string) error {
	return s.client.callChecked(ctx, apiSendImage, map[string]any{"receiver": target, "img_path": path})
}

// SendFile sends the file at path.
func (s Session) SendFile(ctx context.Context, target, path string) error {
	return s.client.callChecked(ctx, apiSendFile, map[string]any{"receiver": target, "file_path": path})
}
