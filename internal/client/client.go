// Package client talks to the gateway's REST endpoints: account, profile,
// conversation history and uploads. *Client satisfies chat.Backend.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"unichat/internal/models"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Status)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// Client is a REST client bound to one base URL and bearer token.
type Client struct {
	baseURL string
	http    *http.Client

	mu        sync.RWMutex
	token     string
	profile   *models.Profile
	onProfile func(models.Profile)
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithProfileHook registers fn to be called whenever a fresh profile is fetched.
func WithProfileHook(fn func(models.Profile)) Option {
	return func(c *Client) { c.onProfile = fn }
}

// New returns a client for baseURL authenticated with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the bearer token in use.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// LastProfile returns the most recently fetched profile.
func (c *Client) LastProfile() (models.Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.profile == nil {
		return models.Profile{}, false
	}
	return *c.profile, true
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	models.Profile
	AuthToken string `json:"auth_token"`
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, username, password string) (*models.Profile, error) {
	var out models.Profile
	if err := c.doJSON(ctx, http.MethodPost, "/api/users/register", credentials{username, password}, &out); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &out, nil
}

// Login authenticates and stores the issued token on the client.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var out loginResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/users/login", credentials{username, password}, &out); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if out.AuthToken == "" {
		return "", fmt.Errorf("login: empty token in response")
	}
	c.SetToken(out.AuthToken)
	c.storeProfile(out.Profile)
	return out.AuthToken, nil
}

// Profile fetches the caller's profile.
func (c *Client) Profile(ctx context.Context) (*models.Profile, error) {
	var out models.Profile
	if err := c.doJSON(ctx, http.MethodGet, "/api/profile", nil, &out); err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	c.storeProfile(out)
	return &out, nil
}

// RefreshProfile fetches the profile and publishes it to the profile hook.
func (c *Client) RefreshProfile(ctx context.Context) error {
	_, err := c.Profile(ctx)
	return err
}

func (c *Client) storeProfile(p models.Profile) {
	c.mu.Lock()
	c.profile = &p
	hook := c.onProfile
	c.mu.Unlock()
	if hook != nil {
		hook(p)
	}
}

// ListConversations returns the caller's conversations, most recent first.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out.Conversations, nil
}

// FetchHistory returns the persisted messages of a conversation.
func (c *Client) FetchHistory(ctx context.Context, conversationID string) ([]models.Message, error) {
	var out struct {
		Conversation models.Conversation `json:"conversation"`
		Messages     []models.Message    `json:"messages"`
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return out.Messages, nil
}

// DeleteConversation removes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID)
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// Upload sends files in one multipart request and returns their per-file outcomes
// in input order.
func (c *Client) Upload(ctx context.Context, files []models.LocalFile) ([]models.UploadResult, error) {
	if len(files) == 0 {
		return nil, nil
	}
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for _, f := range files {
		if err := writeFilePart(mw, f); err != nil {
			return nil, fmt.Errorf("upload: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/uploads", body)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out struct {
		Files []models.UploadResult `json:"files"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	if len(out.Files) != len(files) {
		return nil, fmt.Errorf("upload: expected %d results, got %d", len(files), len(out.Files))
	}
	return out.Files, nil
}

func writeFilePart(mw *multipart.Writer, f models.LocalFile) error {
	fh, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	defer fh.Close()

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.Name))
	ct := f.MimeType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, fh)
	return err
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: payload.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
