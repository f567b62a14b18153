package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RemoteBackend talks to the session service over HTTP.
// Every request carries a signed identity for the acting user.
type RemoteBackend struct {
	baseURL    string
	secret     []byte
	httpClient *http.Client
	now        func() time.Time
}

// NewRemoteBackend creates a client for the session service at baseURL.
func NewRemoteBackend(baseURL string, secret []byte, httpClient *http.Client) *RemoteBackend {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Create posts a new session.
func (b *RemoteBackend) Create(ctx context.Context, userID int64, in NewSession) (*Session, error) {
	var out Session
	found, err := b.do(ctx, userID, http.MethodPost, "/sessions", nil, in, &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("session service returned no session on create")
	}
	return &out, nil
}

// FetchLatest gets the user's latest session; 404 maps to nil.
func (b *RemoteBackend) FetchLatest(ctx context.Context, userID int64) (*Session, error) {
	var out Session
	found, err := b.do(ctx, userID, http.MethodGet, "/sessions", nil, nil, &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

// FetchByToken gets the user's session by token; 404 and 410 map to nil.
func (b *RemoteBackend) FetchByToken(ctx context.Context, userID int64, token string) (*Session, error) {
	var out Session
	found, err := b.do(ctx, userID, http.MethodGet, "/sessions", url.Values{"token": {token}}, nil, &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

// Update patches a session by id.
func (b *RemoteBackend) Update(ctx context.Context, s *Session, patch Patch) error {
	path := "/sessions/" + strconv.FormatInt(s.ID, 10)
	found, err := b.do(ctx, s.UserID, http.MethodPatch, path, nil, patch, nil)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("session %d no longer exists", s.ID)
	}
	patch.Apply(s)
	return nil
}

// Delete removes one session, addressed by its token.
func (b *RemoteBackend) Delete(ctx context.Context, s *Session) error {
	_, err := b.do(ctx, s.UserID, http.MethodDelete, "/sessions", url.Values{"token": {s.Token}}, nil, nil)
	return err
}

// DeleteAllForUser removes every session of the acting user.
func (b *RemoteBackend) DeleteAllForUser(ctx context.Context, userID int64) error {
	_, err := b.do(ctx, userID, http.MethodDelete, "/sessions", nil, nil, nil)
	return err
}

// DeleteForPlan removes the user's sessions bound to planID.
func (b *RemoteBackend) DeleteForPlan(ctx context.Context, userID, planID int64) error {
	q := url.Values{"plan_id": {strconv.FormatInt(planID, 10)}}
	_, err := b.do(ctx, userID, http.MethodDelete, "/sessions", q, nil, nil)
	return err
}

// do executes one call. It reports found=false for 404/410 instead of an error.
func (b *RemoteBackend) do(ctx context.Context, userID int64, method, path string, query url.Values, body, out any) (bool, error) {
	endpoint := b.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	token, err := SignIdentity(b.secret, userID, b.now())
	if err != nil {
		return false, fmt.Errorf("failed to sign identity: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, nil
	case resp.StatusCode >= 300:
		bodyBytes, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("session service error: %s %s status=%d body=%s", method, path, resp.StatusCode, string(bodyBytes))
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return true, nil
}
