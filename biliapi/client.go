// Package biliapi contains minimal helpers to interact with the Bilibili live
// APIs for room status, stream URL resolution and credential handling.
package biliapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
)

const (
	defaultLiveBase     = "https://api.live.bilibili.com"
	defaultPassportBase = "https://passport.bilibili.com"
)

// RoomInfo is the status snapshot returned by GetRoomInfo.
type RoomInfo struct {
	RoomID   int64
	ShortID  int64
	UserName string
	Title    string
	IsLive   bool
}

// Client talks to the live API. The zero value is usable; LiveBase and
// PassportBase exist so tests can point it at an httptest server.
type Client struct {
	LiveBase     string
	PassportBase string
	HTTPClient   *http.Client

	mu         sync.RWMutex
	credential string // cookie SESSDATA or access token, empty when logged out
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) liveBase() string {
	if c.LiveBase != "" {
		return c.LiveBase
	}
	return defaultLiveBase
}

func (c *Client) passportBase() string {
	if c.PassportBase != "" {
		return c.PassportBase
	}
	return defaultPassportBase
}

// Reload swaps the credential attached to subsequent requests.
// An empty credential means anonymous access.
func (c *Client) Reload(credential string) {
	c.mu.Lock()
	c.credential = credential
	c.mu.Unlock()
}

// Credential returns the currently applied credential.
func (c *Client) Credential() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credential
}

// get performs an API GET and decodes the {code,message,data} envelope into out.
func (c *Client) get(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if cred := c.Credential(); cred != "" && IsCookie(cred) {
		req.Header.Set("Cookie", "SESSDATA="+cred)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("api request failed: %s: %s", resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetRoomInfo resolves a room by primary or short id and returns its current status.
func (c *Client) GetRoomInfo(ctx context.Context, roomID int64) (*RoomInfo, error) {
	if roomID <= 0 {
		return nil, ErrNotFound
	}
	u := fmt.Sprintf("%s/xlive/web-room/v1/index/getInfoByRoom?room_id=%d", c.liveBase(), roomID)
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			RoomInfo struct {
				RoomID     int64  `json:"room_id"`
				ShortID    int64  `json:"short_id"`
				LiveStatus int    `json:"live_status"`
				Title      string `json:"title"`
			} `json:"room_info"`
			AnchorInfo struct {
				BaseInfo struct {
					Uname string `json:"uname"`
				} `json:"base_info"`
			} `json:"anchor_info"`
		} `json:"data"`
	}
	if err := c.get(ctx, u, &body); err != nil {
		return nil, err
	}
	if body.Code != 0 {
		if notFoundCodes[body.Code] {
			return nil, fmt.Errorf("room %d: %w", roomID, ErrNotFound)
		}
		return nil, &APIError{Code: body.Code, Message: body.Message}
	}
	return &RoomInfo{
		RoomID:   body.Data.RoomInfo.RoomID,
		ShortID:  body.Data.RoomInfo.ShortID,
		UserName: body.Data.AnchorInfo.BaseInfo.Uname,
		Title:    body.Data.RoomInfo.Title,
		// live_status: 0=offline, 1=live, 2=rotating reruns (not a live broadcast)
		IsLive: body.Data.RoomInfo.LiveStatus == 1,
	}, nil
}

// GetPlayURL resolves the stream URL the recorder captures from.
// The room must currently be live.
func (c *Client) GetPlayURL(ctx context.Context, roomID int64) (string, error) {
	u := fmt.Sprintf("%s/room/v1/Room/playUrl?cid=%d&qn=10000&platform=web", c.liveBase(), roomID)
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Durl []struct {
				URL string `json:"url"`
			} `json:"durl"`
		} `json:"data"`
	}
	if err := c.get(ctx, u, &body); err != nil {
		return "", err
	}
	if body.Code != 0 {
		return "", &APIError{Code: body.Code, Message: body.Message}
	}
	if len(body.Data.Durl) == 0 {
		return "", fmt.Errorf("room %d: no stream url in play url response", roomID)
	}
	return body.Data.Durl[0].URL, nil
}

// postForm performs a passport POST and decodes the envelope into out.
func (c *Client) postForm(ctx context.Context, rawURL string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = form.Encode()
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("passport request failed: %s: %s", resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
