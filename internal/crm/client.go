// Package crm is the only component that performs network I/O against the
// external CRM. Retry and backoff policy live in the orchestrator; this
// client only classifies failures as transient or permanent.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"

	"meetsync-server/internal/domain"
)

// Client is the remote CRM boundary consumed by the orchestrator.
type Client interface {
	FetchChangedSince(ctx context.Context, cursor string) ([]*domain.RemoteSnapshot, string, error)
	Create(ctx context.Context, entityType domain.EntityType, fields map[string]string) (string, error)
	Update(ctx context.Context, remoteID string, entityType domain.EntityType, fields map[string]string) error
	Authenticate(ctx context.Context) (string, error)
}

type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

type HTTPClient struct {
	baseURL      string
	tokenURL     string
	clientID     string
	clientSecret string
	http         *http.Client
	logger       *log.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewHTTPClient(cfg Config, logger *log.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		http:         &http.Client{Timeout: timeout},
		logger:       logger.With("component", "crm"),
	}
}

// Authenticate returns a valid bearer token, refreshing via the OAuth
// client-credentials grant when the cached one is near expiry. Expiry is
// read from the token's exp claim when the CRM issues JWTs, falling back to
// the advertised expires_in.
func (c *HTTPClient) Authenticate(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Until(c.tokenExpiry) > 30*time.Second {
		return c.accessToken, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", transportErr("authenticate", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return "", statusErr("authenticate", resp, string(body))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", &RemoteError{Op: "authenticate", Transient: false, Body: "empty access_token"}
	}

	c.accessToken = tok.AccessToken
	c.tokenExpiry = tokenExpiry(tok.AccessToken, tok.ExpiresIn)
	c.logger.Debug("refreshed CRM access token", "expires_at", c.tokenExpiry)

	return c.accessToken, nil
}

func tokenExpiry(token string, expiresIn int64) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if expiresIn > 0 {
		return time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	// Opaque token with no advertised lifetime; refresh each minute.
	return time.Now().Add(time.Minute)
}

// FetchChangedSince pulls the remote delta stream from the given cursor and
// returns the snapshots plus the cursor to persist after a fully successful
// cycle.
func (c *HTTPClient) FetchChangedSince(ctx context.Context, cursor string) ([]*domain.RemoteSnapshot, string, error) {
	endpoint := c.baseURL + "/changes"
	if cursor != "" {
		endpoint += "?cursor=" + url.QueryEscape(cursor)
	}

	body, err := c.do(ctx, http.MethodGet, endpoint, nil, "fetch_changes")
	if err != nil {
		return nil, "", err
	}

	var page struct {
		Records []struct {
			ID        string            `json:"id"`
			Type      string            `json:"type"`
			Fields    map[string]string `json:"fields"`
			UpdatedAt time.Time         `json:"updated_at"`
		} `json:"records"`
		NextCursor string `json:"next_cursor"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, "", fmt.Errorf("failed to decode changes response: %w", err)
	}

	snaps := make([]*domain.RemoteSnapshot, 0, len(page.Records))
	for _, rec := range page.Records {
		snaps = append(snaps, &domain.RemoteSnapshot{
			ID:        rec.ID,
			Type:      domain.EntityType(rec.Type),
			Fields:    rec.Fields,
			UpdatedAt: rec.UpdatedAt,
		})
	}

	return snaps, page.NextCursor, nil
}

func (c *HTTPClient) Create(ctx context.Context, entityType domain.EntityType, fields map[string]string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{"fields": fields})
	if err != nil {
		return "", fmt.Errorf("failed to encode create payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/records/%s", c.baseURL, entityType)
	body, err := c.do(ctx, http.MethodPost, endpoint, payload, "create")
	if err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("failed to decode create response: %w", err)
	}
	if created.ID == "" {
		return "", &RemoteError{Op: "create", Transient: false, Body: "missing id in create response"}
	}

	return created.ID, nil
}

func (c *HTTPClient) Update(ctx context.Context, remoteID string, entityType domain.EntityType, fields map[string]string) error {
	payload, err := json.Marshal(map[string]interface{}{"fields": fields})
	if err != nil {
		return fmt.Errorf("failed to encode update payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/records/%s/%s", c.baseURL, entityType, url.PathEscape(remoteID))
	_, err = c.do(ctx, http.MethodPatch, endpoint, payload, "update")
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, payload []byte, op string) ([]byte, error) {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportErr(op, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized {
			// Token revoked server-side; drop the cache so the retry
			// re-authenticates instead of failing the pair permanently.
			c.mu.Lock()
			c.accessToken = ""
			c.mu.Unlock()
			return nil, &RemoteError{Op: op, StatusCode: resp.StatusCode, Transient: true, Body: truncate(string(body), 512)}
		}
		return nil, statusErr(op, resp, truncate(string(body), 512))
	}

	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
