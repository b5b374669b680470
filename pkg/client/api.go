package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/dkeye/jamsync/internal/cid"
)

// ErrAlreadyInSession is returned with the id of the session the user is in.
var ErrAlreadyInSession = errors.New("already in a session")

type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("http %d: %s", e.Status, e.Message) }

type Recording struct {
	Key          string `json:"key"`
	UploaderName string `json:"uploaderName"`
	Duration     string `json:"duration"`
	Size         int64  `json:"size"`
	URL          string `json:"url"`
}

// API calls the REST endpoints on behalf of one user session.
type API struct {
	BaseURL    string
	Token      string
	CookieName string
	HTTP       *http.Client
}

func NewAPI(baseURL, token string) *API {
	return &API{BaseURL: strings.TrimSuffix(baseURL, "/"), Token: token, CookieName: "usid", HTTP: http.DefaultClient}
}

func (a *API) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if a.Token != "" {
		req.AddCookie(&http.Cookie{Name: a.CookieName, Value: a.Token})
	}
	if id := cid.FromContext(ctx); id != "" {
		req.Header.Set(cid.HeaderName, id)
	}
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	return nil
}

func (a *API) postJSON(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	return a.do(ctx, http.MethodPost, path, "application/json", body, out)
}

// DevLogin creates an account and stores its user session token on a.
func (a *API) DevLogin(ctx context.Context, username string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/api/dev/login", strings.NewReader(fmt.Sprintf(`{"username":%q}`, username)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Message: "login refused"}
	}
	for _, c := range resp.Cookies() {
		if c.Name == a.CookieName {
			a.Token = c.Value
			return nil
		}
	}
	return errors.New("login: no session cookie")
}

type sessionBody struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error,omitempty"`
}

// CreateSession returns the new session id. When the user already has a
// session its id comes back with ErrAlreadyInSession.
func (a *API) CreateSession(ctx context.Context) (string, error) {
	var out sessionBody
	err := a.postJSON(ctx, "/api/sessions", nil, &out)
	return out.SessionID, a.alreadyIn(err)
}

func (a *API) PreJoin(ctx context.Context) (string, error) {
	var out sessionBody
	err := a.postJSON(ctx, "/api/sessions/prejoin", nil, &out)
	return out.SessionID, a.alreadyIn(err)
}

func (a *API) alreadyIn(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrAlreadyInSession, apiErr.Message)
	}
	return err
}

func (a *API) Join(ctx context.Context, sid string) error {
	return a.postJSON(ctx, "/api/sessions/join", sessionBody{SessionID: sid}, nil)
}

func (a *API) Leave(ctx context.Context, sid string) error {
	return a.postJSON(ctx, "/api/sessions/leave", sessionBody{SessionID: sid}, nil)
}

// Upload sends one take for the current recording.
func (a *API) Upload(ctx context.Context, sid, filename, duration string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return "", err
	}
	if err := mw.WriteField("duration", duration); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	var out struct {
		Key string `json:"key"`
	}
	if err := a.do(ctx, http.MethodPost, "/api/sessions/"+sid+"/recordings", mw.FormDataContentType(), &buf, &out); err != nil {
		return "", err
	}
	return out.Key, nil
}

func (a *API) Recordings(ctx context.Context, sid string) ([]Recording, error) {
	var out struct {
		Recordings []Recording `json:"recordings"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/sessions/"+sid+"/recordings", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Recordings, nil
}
