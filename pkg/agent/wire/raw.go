// Copyright 2024-2026 Aiku AI

package wire

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.mau.fi/util/jsontime"
)

// MessageKind is the WeChat message type code of a callback event.
type MessageKind int

const (
	KindUnknown     MessageKind = 0
	KindText        MessageKind = 1
	KindImage       MessageKind = 3
	KindVoice       MessageKind = 34
	KindVideo       MessageKind = 43
	KindSticker     MessageKind = 47
	KindLocation    MessageKind = 48
	KindApp         MessageKind = 49
	KindPrivateVoIP MessageKind = 50
	KindLastMessage MessageKind = 51
	KindHint        MessageKind = 10000
	KindSystem      MessageKind = 10002
)

func (k MessageKind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindVoice:
		return "voice"
	case KindVideo:
		return "video"
	case KindSticker:
		return "sticker"
	case KindLocation:
		return "location"
	case KindApp:
		return "app"
	case KindPrivateVoIP:
		return "private_voip"
	case KindLastMessage:
		return "last_message"
	case KindHint:
		return "hint"
	case KindSystem:
		return "system"
	default:
		return "kind_" + strconv.Itoa(int(k))
	}
}

// AppKind is the sub-type code inside an app message envelope.
type AppKind int

const (
	AppArticle AppKind = 5
	AppFile    AppKind = 6
	AppSticker AppKind = 8
	AppReply   AppKind = 57
	AppNotice  AppKind = 87
)

// RawEvent is one line of the hooked client's callback stream.
type RawEvent struct {
	PID       uint32    `json:"pid"`
	MsgID     uint64    `json:"msgid"`
	Timestamp Timestamp `json:"timestamp"`
	// WxID is the speaker, Sender the conversation and Self the logged in
	// account.
	WxID          string      `json:"wxid"`
	Sender        string      `json:"sender"`
	Self          string      `json:"self"`
	IsSendMsg     int         `json:"isSendMsg"`
	IsSendByPhone *int        `json:"isSendByPhone,omitempty"`
	Type          MessageKind `json:"type"`
	Message       string      `json:"message"`
	FilePath      string      `json:"filepath"`
	ThumbPath     string      `json:"thumb_path"`
	ExtraInfo     string      `json:"extrainfo"`
}

// Timestamp is a unix millisecond time that accepts both JSON numbers and
// numeric strings.
type Timestamp struct {
	jsontime.UnixMilli
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	res := gjson.ParseBytes(data)
	switch res.Type {
	case gjson.Null:
		t.UnixMilli = jsontime.UnixMilli{}
		return nil
	case gjson.Number:
		t.UnixMilli = jsontime.UM(time.UnixMilli(res.Int()))
		return nil
	case gjson.String:
		if res.Str == "" {
			t.UnixMilli = jsontime.UnixMilli{}
			return nil
		}
		ms, err := strconv.ParseInt(res.Str, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", res.Str, err)
		}
		t.UnixMilli = jsontime.UM(time.UnixMilli(ms))
		return nil
	default:
		return fmt.Errorf("invalid timestamp %s", data)
	}
}
