// Copyright 2024-2026 Aiku AI

// Package wire defines the JSON frames exchanged with the Matrix bridge and
// the raw callback events emitted by the hooked WeChat client.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ErrMissingData is returned when a command that needs a data field has none.
var ErrMissingData = errors.New("command has no data")

// CommandKind names a bridge command.
type CommandKind string

const (
	CommandConnect                CommandKind = "connect"
	CommandDisconnect             CommandKind = "disconnect"
	CommandLoginWithQR            CommandKind = "log_qr"
	CommandIsLogin                CommandKind = "is_login"
	CommandGetSelf                CommandKind = "get_self"
	CommandGetUserInfo            CommandKind = "get_user_info"
	CommandGetGroupInfo           CommandKind = "get_group_info"
	CommandGetGroupMembers        CommandKind = "get_group_members"
	CommandGetGroupMemberNickname CommandKind = "get_group_member_nickname"
	CommandGetFriendList          CommandKind = "get_friend_list"
	CommandGetGroupList           CommandKind = "get_group_list"
	CommandSendMessage            CommandKind = "send_message"
	CommandResponse               CommandKind = "response"
	CommandError                  CommandKind = "error"
	CommandPing                   CommandKind = "ping"
)

// Command is a request received from the bridge.
type Command struct {
	MXID    id.UserID       `json:"mxid"`
	ReqID   int             `json:"req"`
	Command CommandKind     `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Query is the data of the lookup commands.
type Query struct {
	WxID    string `json:"wxId"`
	GroupID string `json:"groupId"`
}

// Query decodes the command data as a lookup query.
func (c *Command) Query() (*Query, error) {
	if len(c.Data) == 0 || string(c.Data) == "null" {
		return nil, ErrMissingData
	}
	var q Query
	if err := json.Unmarshal(c.Data, &q); err != nil {
		return nil, fmt.Errorf("failed to decode query: %w", err)
	}
	return &q, nil
}

// Message decodes the command data as an outgoing message.
func (c *Command) Message() (*SendMessage, error) {
	if len(c.Data) == 0 || string(c.Data) == "null" {
		return nil, ErrMissingData
	}
	var msg SendMessage
	if err := json.Unmarshal(c.Data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendMessage is a message the bridge wants delivered to WeChat.
type SendMessage struct {
	Target  string            `json:"target"`
	Type    event.MessageType `json:"type"`
	Content string            `json:"content"`
	Data    Payload           `json:"data,omitempty"`
}

func (m *SendMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Target  string            `json:"target"`
		Type    event.MessageType `json:"type"`
		Content string            `json:"content"`
		Data    json.RawMessage   `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	payload, err := DecodePayload(raw.Data)
	if err != nil {
		return err
	}
	*m = SendMessage{
		Target:  raw.Target,
		Type:    raw.Type,
		Content: raw.Content,
		Data:    payload,
	}
	return nil
}

// Reply answers exactly one [Command].
type Reply struct {
	MXID    id.UserID   `json:"mxid"`
	ReqID   int         `json:"req"`
	Command CommandKind `json:"command"`
	Data    any         `json:"data"`
}

// ErrorData is the data of an error reply.
type ErrorData struct {
	Message string `json:"message"`
}

// NewResponse builds a successful reply to cmd.
func NewResponse(cmd *Command, data any) *Reply {
	return &Reply{
		MXID:    cmd.MXID,
		ReqID:   cmd.ReqID,
		Command: CommandResponse,
		Data:    data,
	}
}

// NewError builds an error reply to cmd carrying the error text.
func NewError(cmd *Command, err error) *Reply {
	return &Reply{
		MXID:    cmd.MXID,
		ReqID:   cmd.ReqID,
		Command: CommandError,
		Data:    ErrorData{Message: err.Error()},
	}
}
