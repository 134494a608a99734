package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KafClaw/fleetgate/internal/instance"
	"github.com/KafClaw/fleetgate/internal/secrets"
)

// WSAdapter drives runtimes that speak req/res frames over a persistent
// websocket. Requests are multiplexed on one connection per instance.
type WSAdapter struct {
	rpcOps
	opts Options
}

// NewWSAdapter creates the websocket runtime adapter.
func NewWSAdapter(opts Options) *WSAdapter {
	return &WSAdapter{rpcOps: rpcOps{runtime: instance.RuntimeWS}, opts: opts}
}

func (a *WSAdapter) Runtime() instance.Runtime { return instance.RuntimeWS }

// wsURL accepts ws, wss, http and https endpoints. An endpoint without a path
// gets the default /api/v1/agent/ws.
func wsURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}
	if !safeHost.MatchString(u.Host) {
		return "", fmt.Errorf("invalid host: %q", u.Host)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/api/v1/agent/ws"
	}
	return u.String(), nil
}

// Connect dials the websocket and pings the runtime over it.
func (a *WSAdapter) Connect(ctx context.Context, inst instance.Instance) (Client, error) {
	target, err := wsURL(inst.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("ws connect %s: %w", inst.ID, err)
	}
	token, err := secrets.Resolve(inst.Credential)
	if err != nil {
		return nil, fmt.Errorf("ws connect %s: %w", inst.ID, err)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: a.opts.dialTimeout(),
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &ProtocolError{Runtime: a.Runtime(), Op: "connect", Code: CodeUnauthorized, Status: resp.StatusCode}
		}
		return nil, transportErr(a.Runtime(), "connect", err)
	}

	c := newRPCClient(inst.ID, a.Runtime(), &wsConn{conn: conn})
	if err := a.handshake(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// wsConn carries JSON frames over a gorilla websocket connection.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) send(ctx context.Context, f *Frame) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	w.conn.SetWriteDeadline(deadline)
	return w.conn.WriteJSON(f)
}

// recv blocks until a frame arrives. Closing the connection unblocks it.
func (w *wsConn) recv(ctx context.Context) (*Frame, error) {
	var f Frame
	if err := w.conn.ReadJSON(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (w *wsConn) close() error {
	w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.conn.Close()
}
