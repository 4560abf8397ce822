package piauth

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Profile is the identity the Pi platform reports for an access token.
type Profile struct {
	UID      string
	Username string
}

// TokenVerifier resolves a user access token to a profile, nil when invalid.
type TokenVerifier interface {
	Verify(ctx context.Context, accessToken string) *Profile
}

// Verifier checks tokens against the platform /me endpoint.
type Verifier struct {
	baseURL string
	httpc   *http.Client
	log     *zap.SugaredLogger
}

func NewVerifier(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) *Verifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Verifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
		log:     logger,
	}
}

// Verify returns the token's profile or nil. Upstream trouble is logged and
// treated the same as an invalid token.
func (v *Verifier) Verify(ctx context.Context, accessToken string) *Profile {
	if accessToken == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/me", nil)
	if err != nil {
		v.log.Errorf("verify token: %v", err)
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := v.httpc.Do(req)
	if err != nil {
		v.log.Warnf("verify token: %v", err)
		return nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil || resp.StatusCode != http.StatusOK {
		return nil
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		v.log.Warnf("verify token returned %q body: %.200s", ct, raw)
		return nil
	}
	doc := gjson.ParseBytes(raw)
	uid := doc.Get("uid").String()
	if uid == "" {
		return nil
	}
	return &Profile{UID: uid, Username: doc.Get("username").String()}
}
