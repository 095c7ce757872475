// Copyright 2024-2026 Aiku AI

package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrUnknownPayload is returned when a data field matches none of the
// payload shapes.
var ErrUnknownPayload = errors.New("unknown payload shape")

// Payload is the typed extra data attached to messages and events. The
// concrete type is one of [Mentions], [Blob], [Location] or [Link].
type Payload interface {
	isPayload()
}

// Mentions lists the ids addressed by a text message.
type Mentions []string

// Blob carries binary media. An empty Name means the receiver picks one.
type Blob struct {
	Name   string `json:"name"`
	Binary []byte `json:"binary"`
}

// Location is a shared geographic point.
type Location struct {
	Name      string  `json:"name"`
	Address   string  `json:"address"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// Link is a rich link card.
type Link struct {
	Title       string `json:"title"`
	Description string `json:"des"`
	URL         string `json:"url"`
}

func (Mentions) isPayload()  {}
func (*Blob) isPayload()     {}
func (*Location) isPayload() {}
func (*Link) isPayload()     {}

var (
	_ Payload = Mentions(nil)
	_ Payload = (*Blob)(nil)
	_ Payload = (*Location)(nil)
	_ Payload = (*Link)(nil)
)

// DecodePayload decodes an untagged data field by sniffing its shape. The
// shapes are tried in order: mention list, blob, location, link. An empty
// or null field decodes to a nil payload.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrUnknownPayload)
	}
	res := gjson.ParseBytes(raw)
	var target Payload
	switch {
	case res.Type == gjson.Null:
		return nil, nil
	case res.IsArray():
		var mentions Mentions
		if err := json.Unmarshal(raw, &mentions); err != nil {
			return nil, fmt.Errorf("failed to decode mentions: %w", err)
		}
		return mentions, nil
	case !res.IsObject():
		return nil, fmt.Errorf("%w: %s", ErrUnknownPayload, res.Type)
	case res.Get("binary").Exists():
		target = &Blob{}
	case res.Get("latitude").Exists() && res.Get("longitude").Exists():
		target = &Location{}
	case res.Get("url").Exists() || res.Get("title").Exists():
		target = &Link{}
	default:
		return nil, ErrUnknownPayload
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("failed to decode %T payload: %w", target, err)
	}
	return target, nil
}
