package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatrelay/pkg/types"
)

// APIClient calls the session control endpoints.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPIClient targets serverURL (http or https). token, when set, is sent
// as a bearer token.
func NewAPIClient(serverURL, token string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &APIClient{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// APIError is a non-2xx response from the control API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps 404 onto types.ErrSessionNotFound and 409 onto
// ErrNoCounselorAvailable.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return types.ErrSessionNotFound
	case http.StatusConflict:
		return ErrNoCounselorAvailable
	}
	return nil
}

type sessionEnvelope struct {
	SessionID       string         `json:"session_id"`
	Status          string         `json:"status"`
	Session         *types.Session `json:"session"`
	ConnectionCount int            `json:"connection_count"`
	CounselorID     string         `json:"counselor_id"`
}

// Counselor is an online counselor as reported by the server.
type Counselor struct {
	UserID         string    `json:"user_id"`
	OnlineSince    time.Time `json:"online_since"`
	ActiveSessions int       `json:"active_sessions"`
}

// CreateSession opens a new session on behalf of initiatorID.
func (a *APIClient) CreateSession(ctx context.Context, initiatorID string) (*types.Session, error) {
	var out sessionEnvelope
	err := a.do(ctx, http.MethodPost, "/api/sessions", map[string]string{"initiator_id": initiatorID}, &out)
	if err != nil {
		return nil, err
	}
	return out.Session, nil
}

// MatchSession opens a session for userID and has the server assign an
// online counselor. It returns the session and the counselor's ID.
func (a *APIClient) MatchSession(ctx context.Context, userID string) (*types.Session, string, error) {
	var out sessionEnvelope
	body := map[string]interface{}{"initiator_id": userID, "match": true}
	if err := a.do(ctx, http.MethodPost, "/api/sessions", body, &out); err != nil {
		return nil, "", err
	}
	return out.Session, out.CounselorID, nil
}

// AvailableCounselors lists counselors waiting in the lobby, least loaded
// first.
func (a *APIClient) AvailableCounselors(ctx context.Context) ([]Counselor, error) {
	var out struct {
		Counselors []Counselor `json:"counselors"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/counselors/available", nil, &out); err != nil {
		return nil, err
	}
	return out.Counselors, nil
}

// GetSession fetches one session and its live connection count.
func (a *APIClient) GetSession(ctx context.Context, sessionID string) (*types.Session, int, error) {
	var out sessionEnvelope
	if err := a.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, 0, err
	}
	return out.Session, out.ConnectionCount, nil
}

// ListSessions returns active sessions, or every session userID took part
// in when userID is set.
func (a *APIClient) ListSessions(ctx context.Context, userID string) ([]*types.Session, error) {
	path := "/api/sessions"
	if userID != "" {
		path += "?participant=" + url.QueryEscape(userID)
	}
	var out struct {
		Sessions []*types.Session `json:"sessions"`
	}
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// EndSession ends the session. Ending an already ended session succeeds.
func (a *APIClient) EndSession(ctx context.Context, sessionID string, rating *int, feedback string) (*types.Session, error) {
	body := map[string]interface{}{}
	if rating != nil {
		body["rating"] = *rating
	}
	if feedback != "" {
		body["feedback"] = feedback
	}
	var out sessionEnvelope
	if err := a.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/end", body, &out); err != nil {
		return nil, err
	}
	return out.Session, nil
}

func (a *APIClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
