// Copyright 2024-2026 Aiku AI

// Package translator turns raw WeChat callback events into normalized
// bridge events.
package translator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/matrix-wechat-agent/pkg/agent/retry"
	"github.com/aiku/matrix-wechat-agent/pkg/agent/wechat"
	"github.com/aiku/matrix-wechat-agent/pkg/agent/wire"
)

// ErrTranslation marks a malformed message body. It never leaves the
// translator; the event is sent with a placeholder instead.
var ErrTranslation = errors.New("failed to translate message")

// Placeholder contents for messages that could not be translated.
const (
	PlaceholderImage   = "[图片下载失败]"
	PlaceholderVoice   = "[语音下载失败]"
	PlaceholderVideo   = "[视频下载失败]"
	PlaceholderSticker = "[表情下载失败]"
	PlaceholderFile    = "[文件下载失败]"
	PlaceholderLoc     = "[位置解析失败]"
	PlaceholderApp     = "[应用解析失败]"
	PlaceholderRevoke  = "[撤回消息解析失败]"
	PlaceholderSystem  = "[系统消息解析失败]"
)

// DefaultUserAgent is sent when downloading stickers.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/87.0.4280.88 Safari/537.36 Edg/87.0.664.66"

const (
	chatroomSuffix     = "@chatroom"
	systemSenderWeixin = "weixin"
)

// DuplicatePolicy selects how multi-device echoes are filtered.
type DuplicatePolicy string

const (
	// DuplicatePhoneZero drops non-hint events whose isSendByPhone flag is
	// present and zero.
	DuplicatePhoneZero DuplicatePolicy = "phone_zero"
	// DuplicateNone forwards every event.
	DuplicateNone DuplicatePolicy = "none"
)

// Config configures a [Translator].
type Config struct {
	// FilesDir is the "WeChat Files" directory videos and files resolve
	// against.
	FilesDir        string
	DuplicateFilter DuplicatePolicy
	// Probe paces retries while the hook finishes writing media files.
	Probe          retry.Policy
	UserAgent      string
	StickerTimeout time.Duration
}

// Translator classifies raw events. It holds no per-event state and is
// safe for concurrent use.
type Translator struct {
	cfg  Config
	http *resty.Client
	log  zerolog.Logger
	now  func() time.Time
}

// New returns a translator.
func New(cfg Config, log zerolog.Logger) *Translator {
	if cfg.DuplicateFilter == "" {
		cfg.DuplicateFilter = DuplicatePhoneZero
	}
	if cfg.Probe.MaxAttempts == 0 {
		cfg.Probe = retry.FileProbe
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.StickerTimeout <= 0 {
		cfg.StickerTimeout = 30 * time.Second
	}
	return &Translator{
		cfg: cfg,
		http: resty.New().
			SetTimeout(cfg.StickerTimeout).
			SetHeader("User-Agent", cfg.UserAgent),
		log: log.With().Str("component", "translator").Logger(),
		now: time.Now,
	}
}

// isDuplicate reports whether raw is an echo that the policy drops.
func (t *Translator) isDuplicate(raw *wire.RawEvent) bool {
	switch t.cfg.DuplicateFilter {
	case DuplicateNone:
		return false
	default:
		return raw.IsSendByPhone != nil && *raw.IsSendByPhone == 0 && raw.Type != wire.KindHint
	}
}

// Translate converts raw into an event for the session's owner. A nil
// result means the event is dropped. Malformed bodies never fail; the
// event carries a placeholder content instead.
func (t *Translator) Translate(ctx context.Context, raw *wire.RawEvent, sess wechat.Session) *wire.Event {
	log := t.log.With().
		Uint32("pid", raw.PID).
		Uint64("msg_id", raw.MsgID).
		Stringer("kind", raw.Type).
		Logger()
	if t.isDuplicate(raw) {
		log.Debug().Msg("Dropping duplicated phone message")
		return nil
	}

	evt := wire.NewEvent(sess.Owner, raw.MsgID, t.now())
	evt.Sender = raw.Self
	evt.Target = raw.Sender
	evt.Content = raw.Message
	if raw.IsSendMsg == 0 {
		evt.Sender = raw.WxID
		if !strings.HasSuffix(raw.Sender, chatroomSuffix) {
			evt.Target = raw.Self
		}
	}

	switch raw.Type {
	case wire.KindText:
		evt.Extra = parseMentions(raw.ExtraInfo)
	case wire.KindImage:
		blob, err := t.fetchImage(ctx, sess, raw)
		t.attach(log, evt, event.MsgImage, PlaceholderImage, blob, err)
	case wire.KindVoice:
		blob, err := t.fetchVoice(ctx, sess, raw)
		t.attach(log, evt, event.MsgAudio, PlaceholderVoice, blob, err)
	case wire.KindVideo:
		blob, err := t.fetchVideo(ctx, raw)
		t.attach(log, evt, event.MsgVideo, PlaceholderVideo, blob, err)
	case wire.KindSticker:
		blob, err := t.fetchSticker(ctx, raw.Message)
		t.attach(log, evt, event.MsgImage, PlaceholderSticker, blob, err)
	case wire.KindLocation:
		loc, err := parseLocation(raw.Message)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to parse location")
			evt.Content = PlaceholderLoc
			break
		}
		evt.Type = event.MsgLocation
		evt.Extra = loc
	case wire.KindApp:
		t.translateApp(ctx, log, raw, evt)
	case wire.KindPrivateVoIP:
		status := parseVoIP(raw.Message)
		if status == "" {
			log.Debug().Msg("Dropping unrecognized VoIP message")
			return nil
		}
		evt.Type = wire.MsgVoIP
		evt.Content = status
	case wire.KindLastMessage:
		log.Debug().Msg("Dropping last message marker")
		return nil
	case wire.KindHint:
		hint, err := parseHint(raw.Message)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to parse hint")
			evt.Content = PlaceholderRevoke
			break
		}
		evt.Type = wire.MsgRevoke
		evt.Content = hint
	case wire.KindSystem:
		if raw.Sender == systemSenderWeixin || raw.IsSendMsg == 1 {
			log.Debug().Msg("Dropping self or service system message")
			return nil
		}
		content, err := parseSystem(raw.Message)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to parse system message")
			evt.Content = PlaceholderSystem
			break
		}
		if content == "" {
			log.Debug().Msg("Dropping system message")
			return nil
		}
		evt.Type = wire.MsgSystem
		evt.Content = content
	default:
		log.Info().Msg("Forwarding message of unknown kind as text")
	}
	return evt
}

func (t *Translator) translateApp(ctx context.Context, log zerolog.Logger, raw *wire.RawEvent, evt *wire.Event) {
	app, err := parseApp(raw.Message)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to parse app message")
		evt.Content = PlaceholderApp
		return
	}
	switch {
	case app.Type == wire.AppFile:
		blob, err := t.fetchFile(ctx, raw)
		t.attach(log, evt, event.MsgFile, PlaceholderFile, blob, err)
	case app.Type == wire.AppSticker:
		blob, err := t.fetchSticker(ctx, raw.Message)
		t.attach(log, evt, event.MsgImage, PlaceholderSticker, blob, err)
	case app.Type == wire.AppReply && app.Refer != nil:
		sender := app.Refer.sender()
		if sender == "" {
			log.Warn().Err(fmt.Errorf("%w: reply has no sender", ErrTranslation)).Msg("Failed to parse reply")
			evt.Content = PlaceholderApp
			return
		}
		evt.Content = app.Title
		evt.Reply = &wire.ReplyInfo{ID: app.Refer.SvrID, Sender: sender}
	case app.Type == wire.AppNotice && app.Announcement != nil:
		evt.Type = event.MsgNotice
		evt.Content = *app.Announcement
	default:
		evt.Type = wire.MsgApp
		evt.Extra = &wire.Link{
			Title:       app.Title,
			Description: app.Description,
			URL:         app.URL,
		}
	}
}

// attach sets the media payload on evt, or the placeholder when fetching
// failed.
func (t *Translator) attach(log zerolog.Logger, evt *wire.Event, typ event.MessageType, placeholder string, blob *wire.Blob, err error) {
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch media")
		evt.Content = placeholder
		return
	}
	evt.Type = typ
	evt.Extra = blob
}
