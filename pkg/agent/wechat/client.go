// Copyright 2024-2026 Aiku AI

package wechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// ErrUpstream is returned when the hook control API is unreachable or
// reports a failure.
var ErrUpstream = errors.New("wechat hook request failed")

// Hook control API request types.
const (
	apiIsLogin            = 0
	apiGetSelfInfo        = 1
	apiSendText           = 2
	apiSendAt             = 3
	apiSendImage          = 5
	apiSendFile           = 6
	apiStartMessageHook   = 9
	apiStopMessageHook    = 10
	apiStartImageHook     = 11
	apiStopImageHook      = 12
	apiStartVoiceHook     = 13
	apiStopVoiceHook      = 14
	apiChatroomMembers    = 25
	apiChatroomMemberName = 26
	apiDatabaseHandles    = 32
	apiDatabaseQuery      = 34
	apiGetQRCodeImage     = 41
	apiLogout             = 44

	resultOK              = "OK"
	defaultRequestTimeout = 30 * time.Second
)

// Client talks to the control API a hooked WeChat process serves on
// 127.0.0.1:<port>.
type Client struct {
	http    *resty.Client
	port    int
	qrDelay time.Duration
}

// ClientOptions tunes a [Client].
type ClientOptions struct {
	Timeout time.Duration
	// QRCodeDelay is waited before fetching the login QR code. The hook
	// serves a stale code right after start.
	QRCodeDelay time.Duration
}

// NewClient returns a client for the control API on the given port.
func NewClient(port int, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRequestTimeout
	}
	return &Client{
		http: resty.New().
			SetBaseURL(fmt.Sprintf("http://127.0.0.1:%d", port)).
			SetTimeout(opts.Timeout).
			SetHeader("Content-Type", "application/json"),
		port:    port,
		qrDelay: opts.QRCodeDelay,
	}
}

// Port returns the control API port.
func (c *Client) Port() int {
	return c.port
}

// call posts body to the API endpoint of the given type and returns the raw
// response body.
func (c *Client) call(ctx context.Context, typ int, body any) ([]byte, error) {
	if body == nil {
		body = struct{}{}
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("type", strconv.Itoa(typ)).
		SetBody(body).
		Post("/api/")
	if err != nil {
		return nil, fmt.Errorf("%w: type %d: %w", ErrUpstream, typ, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: type %d: status %d", ErrUpstream, typ, resp.StatusCode())
	}
	return resp.Body(), nil
}

// callJSON is call with the response decoded into out.
func (c *Client) callJSON(ctx context.Context, typ int, body, out any) error {
	raw, err := c.call(ctx, typ, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: type %d: failed to decode response: %w", ErrUpstream, typ, err)
	}
	return nil
}

// callChecked is call for endpoints whose body is ignored apart from an
// optional result field.
func (c *Client) callChecked(ctx context.Context, typ int, body any) error {
	raw, err := c.call(ctx, typ, body)
	if err != nil {
		return err
	}
	if result := gjson.GetBytes(raw, "result"); result.Exists() && result.String() != resultOK {
		return fmt.Errorf("%w: type %d: result %q", ErrUpstream, typ, result.String())
	}
	return nil
}

func checkResult(typ int, result string) error {
	if result != resultOK {
		return fmt.Errorf("%w: type %d: result %q", ErrUpstream, typ, result)
	}
	return nil
}
