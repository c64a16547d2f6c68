package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/lkarlslund/chatbridge/pkg/cache"
	"github.com/lkarlslund/chatbridge/pkg/config"
	"github.com/lkarlslund/chatbridge/pkg/logutil"
	"github.com/lkarlslund/chatbridge/pkg/metrics"
	"github.com/lkarlslund/chatbridge/pkg/upstream"
)

const (
	jwtPrefix   = "eyJhbGciOi"
	proxyPrefix = "fk-"

	defaultAccessTTL = 5 * 24 * time.Hour
	expirySkew       = 60 * time.Second
	refreshTimeout   = 30 * time.Second
)

var nowUTC = func() time.Time { return time.Now().UTC() }

// Resolver turns secrets into short-lived access credentials, refreshing
// them against the auth endpoint when absent or stale.
type Resolver struct {
	cfg    config.UpstreamConfig
	http   *http.Client
	cache  *cache.PersistentTTLMap[string]
	flight singleflight.Group
}

func NewResolver(cfg config.UpstreamConfig, accessCache *cache.PersistentTTLMap[string], httpClient *http.Client) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if accessCache == nil {
		accessCache, _ = cache.OpenPersistentTTLMap[string]("")
	}
	return &Resolver{cfg: cfg, http: httpClient, cache: accessCache}
}

// IsAccessToken reports secrets that are already usable as access credentials.
func IsAccessToken(secret string) bool {
	return strings.HasPrefix(secret, jwtPrefix) || strings.HasPrefix(secret, proxyPrefix)
}

// Resolve returns a cached access credential for secret or refreshes it.
func (r *Resolver) Resolve(ctx context.Context, secret string) (string, error) {
	if IsAccessToken(secret) {
		return directAccess(secret)
	}
	if v, ok := r.cache.GetFresh(secret, nowUTC().Add(expirySkew)); ok {
		return v, nil
	}
	return r.Refresh(ctx, secret)
}

// Cached reports whether secret has a credential that does not need refreshing.
func (r *Resolver) Cached(secret string) bool {
	if IsAccessToken(secret) {
		return true
	}
	_, ok := r.cache.GetFresh(secret, nowUTC().Add(expirySkew))
	return ok
}

// Invalidate drops the cached credential for secret, forcing the next
// Resolve to refresh.
func (r *Resolver) Invalidate(secret string) {
	if err := r.cache.Forget(secret); err != nil {
		log.Warn("persist access cache", "err", err)
	}
}

// Refresh exchanges secret at the auth endpoint regardless of the cache.
// Concurrent refreshes of the same secret share one exchange.
func (r *Resolver) Refresh(ctx context.Context, secret string) (string, error) {
	if IsAccessToken(secret) {
		return directAccess(secret)
	}
	// The shared exchange outlives the context of the caller that started it.
	ch := r.flight.DoChan(secret, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		access, exp, err := r.exchange(fctx, secret)
		if err != nil {
			result := "transient"
			if upstream.IsPermanentAuth(err) {
				result = "permanent"
			}
			metrics.CredentialRefreshTotal.WithLabelValues(result).Inc()
			return "", err
		}
		metrics.CredentialRefreshTotal.WithLabelValues("ok").Inc()
		if err := r.cache.Put(secret, access, exp); err != nil {
			log.Warn("persist access cache", "err", err)
		}
		log.Debug("refreshed access credential", "secret", logutil.Redact(secret), "expires_at", exp.Format(time.RFC3339))
		return access, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func directAccess(secret string) (string, error) {
	if !strings.HasPrefix(secret, jwtPrefix) {
		return secret, nil
	}
	exp, ok := jwtExpiry(secret)
	if ok && !nowUTC().Before(exp) {
		return "", &upstream.AuthError{Permanent: true, StatusCode: http.StatusUnauthorized, Detail: "access token expired"}
	}
	return secret, nil
}

// jwtExpiry reads the exp claim without verifying the signature; the
// backend is the one that verifies it.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (r *Resolver) exchange(ctx context.Context, secret string) (string, time.Time, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", secret)
	form.Set("client_id", r.cfg.ClientID)
	form.Set("redirect_uri", r.cfg.RedirectURI)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := r.http.Do(req)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", time.Time{}, &upstream.TimeoutError{Op: "refresh"}
		}
		return "", time.Time{}, &upstream.ConnectError{Op: "refresh", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	switch {
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return "", time.Time{}, &upstream.AuthError{Permanent: true, StatusCode: resp.StatusCode, Detail: refreshDetail(body)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", time.Time{}, &upstream.AuthError{StatusCode: resp.StatusCode, Detail: refreshDetail(body)}
	}
	var out refreshResponse
	if err := json.Unmarshal(body, &out); err != nil || strings.TrimSpace(out.AccessToken) == "" {
		return "", time.Time{}, &upstream.AuthError{StatusCode: resp.StatusCode, Detail: "refresh response has no access_token"}
	}
	access := strings.TrimSpace(out.AccessToken)
	now := nowUTC()
	exp := now.Add(defaultAccessTTL)
	if out.ExpiresIn > 0 {
		exp = now.Add(time.Duration(out.ExpiresIn) * time.Second)
	} else if jwtExp, ok := jwtExpiry(access); ok {
		exp = jwtExp
	}
	return access, exp, nil
}

func refreshDetail(body []byte) string {
	var out struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &out); err == nil && (out.Error != "" || out.ErrorDescription != "") {
		if out.ErrorDescription != "" {
			return out.ErrorDescription
		}
		return out.Error
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
