package biliapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// credentialLen is the exact length of both credential styles: a cookie
// SESSDATA value and an OAuth access token are 32 characters each.
const credentialLen = 32

// cookieDelimiter is the URL-escaped comma embedded in cookie-style
// credentials; bearer tokens never contain it.
const cookieDelimiter = "%2C"

// Token is an access token with its expiry as reported by the passport API.
type Token struct {
	AccessToken string
	Expires     time.Time
}

// IsCookie reports whether a credential is cookie-style (contains the
// reserved delimiter). Only meaningful for 32-character credentials.
func IsCookie(cred string) bool {
	return strings.Contains(cred, cookieDelimiter)
}

// IsToken reports whether a credential has the bearer-token shape:
// exactly 32 lowercase hex characters.
func IsToken(cred string) bool {
	if len(cred) != credentialLen {
		return false
	}
	for _, c := range cred {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Apply classifies and applies a credential. Cookie-style credentials are
// applied directly with no network round trip; bearer-style credentials are
// verified against the passport API first. Length and shape are checked
// before any network call. The returned status is user-facing; ok reports
// whether the credential is now active and worth persisting.
func (c *Client) Apply(ctx context.Context, cred string) (status string, ok bool) {
	if cred == "" {
		c.Reload("")
		return "logged out", true
	}
	if len(cred) != credentialLen {
		return fmt.Sprintf("login failed: credential length %d != %d", len(cred), credentialLen), false
	}
	if IsCookie(cred) {
		c.Reload(cred)
		return "cookie credential applied", true
	}
	if !IsToken(cred) {
		return "login failed: access token format invalid", false
	}
	info, err := c.GetTokenInfo(ctx, cred)
	if err != nil {
		return fmt.Sprintf("login failed: %v", err), false
	}
	if info == nil {
		return "login failed: token rejected", false
	}
	c.Reload(info.AccessToken)
	return fmt.Sprintf("login ok, token valid until %s", info.Expires.Format(time.RFC3339)), true
}

// Logout revokes the active bearer token (best effort) and clears the
// credential. Cookie credentials have nothing to revoke server side.
func (c *Client) Logout(ctx context.Context) string {
	cred := c.Credential()
	if IsToken(cred) {
		if err := c.RevokeToken(ctx, cred); err != nil {
			c.Reload("")
			return fmt.Sprintf("logged out (revoke failed: %v)", err)
		}
	}
	c.Reload("")
	return "logged out"
}

// Login exchanges account/password for an access token. A nil token with nil
// error means the passport rejected the credentials.
func (c *Client) Login(ctx context.Context, account, password string) (*Token, error) {
	form := url.Values{}
	form.Set("username", account)
	form.Set("password", password)
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			TokenInfo struct {
				AccessToken string `json:"access_token"`
				ExpiresIn   int64  `json:"expires_in"`
			} `json:"token_info"`
		} `json:"data"`
	}
	if err := c.postForm(ctx, c.passportBase()+"/api/v3/oauth2/login", form, &body); err != nil {
		return nil, err
	}
	if body.Code != 0 || body.Data.TokenInfo.AccessToken == "" {
		return nil, nil
	}
	return &Token{
		AccessToken: body.Data.TokenInfo.AccessToken,
		Expires:     time.Now().Add(time.Duration(body.Data.TokenInfo.ExpiresIn) * time.Second),
	}, nil
}

// GetTokenInfo validates an access token against the passport API.
// A nil token with nil error means the token is not valid.
func (c *Client) GetTokenInfo(ctx context.Context, token string) (*Token, error) {
	form := url.Values{}
	form.Set("access_token", token)
	var body struct {
		Code int `json:"code"`
		Data struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int64  `json:"expires_in"`
		} `json:"data"`
	}
	if err := c.postForm(ctx, c.passportBase()+"/api/oauth2/info", form, &body); err != nil {
		return nil, err
	}
	if body.Code != 0 {
		return nil, nil
	}
	tok := body.Data.AccessToken
	if tok == "" {
		tok = token
	}
	return &Token{
		AccessToken: tok,
		Expires:     time.Now().Add(time.Duration(body.Data.ExpiresIn) * time.Second),
	}, nil
}

// RevokeToken invalidates an access token (best effort logout).
func (c *Client) RevokeToken(ctx context.Context, token string) error {
	form := url.Values{}
	form.Set("access_token", token)
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := c.postForm(ctx, c.passportBase()+"/api/oauth2/revoke", form, &body); err != nil {
		return err
	}
	if body.Code != 0 {
		return &APIError{Code: body.Code, Message: body.Message}
	}
	return nil
}
