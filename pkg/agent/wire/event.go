// Copyright 2024-2026 Aiku AI

package wire

import (
	"time"

	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Event types that have no Matrix msgtype counterpart.
const (
	MsgApp    event.MessageType = "m.app"
	MsgRevoke event.MessageType = "m.revoke"
	MsgVoIP   event.MessageType = "m.voip"
	MsgSystem event.MessageType = "m.system"
)

// Event is a normalized WeChat message sent to the bridge.
type Event struct {
	MXID      id.UserID          `json:"mxid"`
	ID        uint64             `json:"id"`
	Type      event.MessageType  `json:"type"`
	Timestamp jsontime.UnixMilli `json:"ts"`
	Sender    string             `json:"sender"`
	Target    string             `json:"target"`
	Content   string             `json:"content"`
	Reply     *ReplyInfo         `json:"reply"`
	Extra     Payload            `json:"extra"`
}

// ReplyInfo references the message an event replies to.
type ReplyInfo struct {
	ID     uint64 `json:"id"`
	Sender string `json:"sender"`
}

// NewEvent returns a text event stamped with ts.
func NewEvent(owner id.UserID, msgID uint64, ts time.Time) *Event {
	return &Event{
		MXID:      owner,
		ID:        msgID,
		Type:      event.MsgText,
		Timestamp: jsontime.UM(ts),
	}
}
