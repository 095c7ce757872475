// Copyright 2024-2026 Aiku AI

package translator

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aiku/matrix-wechat-agent/pkg/agent/wire"
)

// newDecoder returns a lenient decoder. WeChat bodies are not always well
// formed and never need charset conversion.
func newDecoder(doc string) *xml.Decoder {
	d := xml.NewDecoder(strings.NewReader(doc))
	d.Strict = false
	d.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	return d
}

// decodeElement decodes the first element called name, at any depth of
// doc, into v.
func decodeElement(doc, name string, v any) error {
	if strings.TrimSpace(doc) == "" {
		return fmt.Errorf("%w: empty body", ErrTranslation)
	}
	d := newDecoder(doc)
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: no <%s> element", ErrTranslation, name)
		} else if err != nil {
			return fmt.Errorf("%w: %w", ErrTranslation, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != name {
			continue
		}
		if err := d.DecodeElement(v, &start); err != nil {
			return fmt.Errorf("%w: failed to decode <%s>: %w", ErrTranslation, name, err)
		}
		return nil
	}
}

// decodeRoot decodes the first top-level element of doc into v and
// returns its name.
func decodeRoot(doc string, v any) (string, error) {
	d := newDecoder(doc)
	for {
		tok, err := d.Token()
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrTranslation, err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			if err := d.DecodeElement(v, &start); err != nil {
				return "", fmt.Errorf("%w: %w", ErrTranslation, err)
			}
			return start.Name.Local, nil
		}
	}
}

// parseMentions extracts the comma separated atuserlist from the extra
// info of a text message. Missing or malformed data means no mentions.
func parseMentions(extra string) wire.Payload {
	var list struct {
		Users string `xml:",chardata"`
	}
	if err := decodeElement(extra, "atuserlist", &list); err != nil {
		return nil
	}
	var mentions wire.Mentions
	for _, user := range strings.Split(strings.TrimSpace(list.Users), ",") {
		if user = strings.TrimSpace(user); user != "" {
			mentions = append(mentions, user)
		}
	}
	if len(mentions) == 0 {
		return nil
	}
	return mentions
}

func parseVoiceID(msg string) (string, error) {
	var voice struct {
		ClientMsgID string `xml:"clientmsgid,attr"`
	}
	if err := decodeElement(msg, "voicemsg", &voice); err != nil {
		return "", err
	}
	if voice.ClientMsgID == "" {
		return "", fmt.Errorf("%w: voice message has no clientmsgid", ErrTranslation)
	}
	return voice.ClientMsgID, nil
}

type emoji struct {
	CDNURL string `xml:"cdnurl,attr"`
	AESKey string `xml:"aeskey,attr"`
}

func parseEmoji(msg string) (*emoji, error) {
	var e emoji
	if err := decodeElement(msg, "emoji", &e); err != nil {
		return nil, err
	}
	if e.CDNURL == "" {
		return nil, fmt.Errorf("%w: sticker has no cdnurl", ErrTranslation)
	}
	return &e, nil
}

func parseLocation(msg string) (*wire.Location, error) {
	var loc struct {
		X       string `xml:"x,attr"`
		Y       string `xml:"y,attr"`
		POIName string `xml:"poiname,attr"`
		Label   string `xml:"label,attr"`
	}
	if err := decodeElement(msg, "location", &loc); err != nil {
		return nil, err
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(loc.X), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid latitude %q", ErrTranslation, loc.X)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(loc.Y), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid longitude %q", ErrTranslation, loc.Y)
	}
	return &wire.Location{
		Name:      loc.POIName,
		Address:   loc.Label,
		Longitude: lon,
		Latitude:  lat,
	}, nil
}

// appMessage is the <appmsg> envelope of app messages.
type appMessage struct {
	Type         wire.AppKind `xml:"type"`
	Title        string       `xml:"title"`
	Description  string       `xml:"des"`
	URL          string       `xml:"url"`
	Announcement *string      `xml:"textannouncement"`
	Refer        *referMsg    `xml:"refermsg"`
}

type referMsg struct {
	SvrID    uint64 `xml:"svrid"`
	ChatUser string `xml:"chatusr"`
	FromUser string `xml:"fromusr"`
}

// sender returns the first non-empty sender field.
func (r *referMsg) sender() string {
	if r.ChatUser != "" {
		return r.ChatUser
	}
	return r.FromUser
}

func parseApp(msg string) (*appMessage, error) {
	var app appMessage
	if err := decodeElement(msg, "appmsg", &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// parseVoIP renders a call status. Bodies that match neither the invite
// shape nor the bubble shape render as "".
func parseVoIP(msg string) string {
	var voip struct {
		Status *int `xml:"status"`
		Bubble *struct {
			Msg string `xml:"msg"`
		} `xml:"VoIPBubbleMsg"`
	}
	if _, err := decodeRoot(msg, &voip); err != nil {
		return ""
	}
	switch {
	case voip.Status != nil:
		switch *voip.Status {
		case 1:
			return "VoIP: Started a call"
		case 2:
			return "VoIP: Call ended"
		default:
			return fmt.Sprintf("VoIP: Unknown status: %d", *voip.Status)
		}
	case voip.Bubble != nil:
		return "VoIP: " + voip.Bubble.Msg
	default:
		return ""
	}
}

// parseHint returns the text of an XML hint body, or the body itself when
// it is not XML.
func parseHint(msg string) (string, error) {
	if strings.TrimSpace(msg) == "" {
		return "", fmt.Errorf("%w: empty body", ErrTranslation)
	}
	var hint struct {
		Text string `xml:",chardata"`
	}
	if _, err := decodeRoot(msg, &hint); err != nil || strings.TrimSpace(hint.Text) == "" {
		return msg, nil
	}
	return strings.TrimSpace(hint.Text), nil
}

// System message types that are delivered again as hints.
var resentSystemTypes = map[string]struct{}{
	"pat":       {},
	"revokemsg": {},
}

// parseSystem returns the body of a system message worth forwarding, or ""
// when it is unparseable or resent as a hint.
func parseSystem(msg string) (string, error) {
	if strings.TrimSpace(msg) == "" {
		return "", fmt.Errorf("%w: empty body", ErrTranslation)
	}
	var sys struct {
		Type string `xml:"type,attr"`
	}
	if _, err := decodeRoot(msg, &sys); err != nil {
		return "", nil
	}
	if _, ok := resentSystemTypes[sys.Type]; ok {
		return "", nil
	}
	return msg, nil
}
