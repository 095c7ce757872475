// Copyright 2024-2026 Aiku AI

package translator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/aiku/matrix-wechat-agent/pkg/agent/wechat"
	"github.com/aiku/matrix-wechat-agent/pkg/agent/wire"
)

// imageExtensions are tried after the bare file name, in order.
var imageExtensions = []string{".png", ".gif", ".jpg"}

const voiceExtension = ".amr"

// baseName returns the last element of a Windows or slash separated path.
func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

func withExtension(p, ext string) string {
	return strings.TrimSuffix(p, filepath.Ext(p)) + ext
}

// readFirst reads the first existing candidate, probing again with the
// configured policy while the hook may still be writing the file.
func (t *Translator) readFirst(ctx context.Context, candidates ...string) (*wire.Blob, error) {
	var blob *wire.Blob
	err := t.cfg.Probe.Do(ctx, func(attempt int) error {
		for _, path := range candidates {
			data, err := os.ReadFile(path)
			if err == nil {
				blob = &wire.Blob{Name: filepath.Base(path), Binary: data}
				return nil
			}
		}
		t.log.Debug().
			Int("attempt", attempt).
			Strs("paths", candidates).
			Msg("Media file not ready")
		return fmt.Errorf("%w: %s", os.ErrNotExist, candidates[0])
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTranslation, err)
	}
	return blob, nil
}

func (t *Translator) fetchImage(ctx context.Context, sess wechat.Session, raw *wire.RawEvent) (*wire.Blob, error) {
	name := baseName(raw.FilePath)
	if name == "" {
		return nil, fmt.Errorf("%w: image has no file path", ErrTranslation)
	}
	base := filepath.Join(sess.SavePath, raw.Self, name)
	candidates := []string{base}
	for _, ext := range imageExtensions {
		candidates = append(candidates, withExtension(base, ext))
	}
	return t.readFirst(ctx, candidates...)
}

func (t *Translator) fetchVoice(ctx context.Context, sess wechat.Session, raw *wire.RawEvent) (*wire.Blob, error) {
	clientMsgID, err := parseVoiceID(raw.Message)
	if err != nil {
		return nil, err
	}
	return t.readFirst(ctx, filepath.Join(sess.SavePath, raw.Self, clientMsgID+voiceExtension))
}

func (t *Translator) fetchVideo(ctx context.Context, raw *wire.RawEvent) (*wire.Blob, error) {
	switch {
	case raw.FilePath != "":
		return t.readFirst(ctx, filepath.Join(t.cfg.FilesDir, raw.FilePath))
	case raw.ThumbPath != "":
		return t.readFirst(ctx, withExtension(filepath.Join(t.cfg.FilesDir, raw.ThumbPath), ".mp4"))
	default:
		return nil, fmt.Errorf("%w: video has no file path", ErrTranslation)
	}
}

func (t *Translator) fetchFile(ctx context.Context, raw *wire.RawEvent) (*wire.Blob, error) {
	if raw.FilePath == "" {
		return nil, fmt.Errorf("%w: file has no path", ErrTranslation)
	}
	return t.readFirst(ctx, filepath.Join(t.cfg.FilesDir, raw.FilePath))
}

// fetchSticker downloads the sticker referenced by an <emoji> element.
func (t *Translator) fetchSticker(ctx context.Context, msg string) (*wire.Blob, error) {
	e, err := parseEmoji(msg)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.R().SetContext(ctx).Get(e.CDNURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to download sticker: %w", ErrTranslation, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: sticker download returned status %d", ErrTranslation, resp.StatusCode())
	}
	data, err := maybeGunzip(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTranslation, err)
	}
	return &wire.Blob{Name: e.AESKey, Binary: data}, nil
}

// maybeGunzip decompresses data when it starts with the gzip magic.
func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip body: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress sticker: %w", err)
	}
	return out, nil
}
