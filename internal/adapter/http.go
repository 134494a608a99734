package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/KafClaw/fleetgate/internal/instance"
	"github.com/KafClaw/fleetgate/internal/secrets"
)

// HTTPAdapter drives runtimes that expose the JSON session API over HTTP.
//
//	GET    /api/v1/status
//	POST   /api/v1/sessions
//	POST   /api/v1/sessions/{id}/messages
//	DELETE /api/v1/sessions/{id}
//	GET    /api/v1/sessions/{id}/files?zone=
type HTTPAdapter struct {
	opts Options
}

// NewHTTPAdapter creates the HTTP runtime adapter.
func NewHTTPAdapter(opts Options) *HTTPAdapter {
	return &HTTPAdapter{opts: opts}
}

func (a *HTTPAdapter) Runtime() instance.Runtime { return instance.RuntimeHTTP }

type httpClient struct {
	instanceID string
	baseURL    string
	token      string
	hc         *http.Client
}

func (c *httpClient) InstanceID() string { return c.instanceID }

func (c *httpClient) Close() error {
	c.hc.CloseIdleConnections()
	return nil
}

// safeHost matches valid hostname:port patterns.
var safeHost = regexp.MustCompile(`^[a-zA-Z0-9._:\[\]-]+$`)

// normalizeBaseURL validates the endpoint and strips trailing slashes.
func normalizeBaseURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}
	if !safeHost.MatchString(u.Host) {
		return "", fmt.Errorf("invalid host: %q", u.Host)
	}
	return u.Scheme + "://" + u.Host + strings.TrimRight(u.Path, "/"), nil
}

// Connect validates the endpoint, resolves the credential and checks that the
// instance answers its status endpoint with the credential accepted.
func (a *HTTPAdapter) Connect(ctx context.Context, inst instance.Instance) (Client, error) {
	base, err := normalizeBaseURL(inst.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("http connect %s: %w", inst.ID, err)
	}
	token, err := secrets.Resolve(inst.Credential)
	if err != nil {
		return nil, fmt.Errorf("http connect %s: %w", inst.ID, err)
	}
	c := &httpClient{
		instanceID: inst.ID,
		baseURL:    base,
		token:      token,
		hc: &http.Client{
			Timeout:   a.opts.httpTimeout(),
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		},
	}
	if err := a.Ping(ctx, c); err != nil {
		c.Close()
		// Silent until the dial budget ran out: unreachable.
		if errors.Is(err, context.DeadlineExceeded) && !IsTransport(err) {
			return nil, transportErr(a.Runtime(), "connect", err)
		}
		return nil, err
	}
	return c, nil
}

// Ping calls the status endpoint.
func (a *HTTPAdapter) Ping(ctx context.Context, c Client) error {
	hc, err := a.client(c)
	if err != nil {
		return err
	}
	return a.do(ctx, hc, "ping", http.MethodGet, "/api/v1/status", nil, nil)
}

func (a *HTTPAdapter) CreateSession(ctx context.Context, c Client, params SessionParams) (string, error) {
	hc, err := a.client(c)
	if err != nil {
		return "", err
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := a.do(ctx, hc, "create_session", http.MethodPost, "/api/v1/sessions", params, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", &ProtocolError{Runtime: a.Runtime(), Op: "create_session", Code: CodeBadResponse, Message: "missing session_id"}
	}
	return out.SessionID, nil
}

func (a *HTTPAdapter) SendMessage(ctx context.Context, c Client, remoteSessionID string, msg Message) (*Reply, error) {
	hc, err := a.client(c)
	if err != nil {
		return nil, err
	}
	var reply Reply
	path := "/api/v1/sessions/" + url.PathEscape(remoteSessionID) + "/messages"
	if err := a.do(ctx, hc, "send_message", http.MethodPost, path, msg, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (a *HTTPAdapter) DeleteSession(ctx context.Context, c Client, remoteSessionID string) error {
	hc, err := a.client(c)
	if err != nil {
		return err
	}
	return a.do(ctx, hc, "delete_session", http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(remoteSessionID), nil, nil)
}

func (a *HTTPAdapter) ListFiles(ctx context.Context, c Client, remoteSessionID, zone string) ([]FileEntry, error) {
	hc, err := a.client(c)
	if err != nil {
		return nil, err
	}
	path := "/api/v1/sessions/" + url.PathEscape(remoteSessionID) + "/files"
	if zone != "" {
		path += "?zone=" + url.QueryEscape(zone)
	}
	var out struct {
		Files []FileEntry `json:"files"`
	}
	if err := a.do(ctx, hc, "list_files", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

func (a *HTTPAdapter) client(c Client) (*httpClient, error) {
	hc, ok := c.(*httpClient)
	if !ok || hc == nil {
		return nil, ErrClientMismatch
	}
	return hc, nil
}

// do performs one JSON round trip and classifies failures.
// Network errors and gateway-class statuses (502/503/504) are transport errors;
// every other non-2xx status is a protocol error. A request cut short by its
// own context returns the context error.
func (a *HTTPAdapter) do(ctx context.Context, c *httpClient, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return callerErr(a.Runtime(), op, ctx.Err())
		}
		return transportErr(a.Runtime(), op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		if ctx.Err() != nil {
			return callerErr(a.Runtime(), op, ctx.Err())
		}
		return transportErr(a.Runtime(), op, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusBadGateway, resp.StatusCode == http.StatusServiceUnavailable, resp.StatusCode == http.StatusGatewayTimeout:
		return transportErr(a.Runtime(), op, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	default:
		return a.protocolErr(op, resp.StatusCode, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ProtocolError{Runtime: a.Runtime(), Op: op, Code: CodeBadResponse, Status: resp.StatusCode, Message: err.Error()}
	}
	return nil
}

func (a *HTTPAdapter) protocolErr(op string, status int, body []byte) error {
	var remote struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.Unmarshal(body, &remote)
	code := remote.Code
	if code == "" {
		switch status {
		case http.StatusNotFound:
			code = CodeSessionNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			code = CodeUnauthorized
		default:
			code = CodeRejected
		}
	}
	msg := remote.Error
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return &ProtocolError{Runtime: a.Runtime(), Op: op, Code: code, Status: status, Message: msg}
}
