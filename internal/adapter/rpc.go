package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/KafClaw/fleetgate/internal/instance"
)

// Frame is the request/response envelope used by the message-oriented runtimes
// (websocket and Kafka).
type Frame struct {
	Type    string          `json:"type"`               // req, res, event
	ID      string          `json:"id,omitempty"`       // request/response correlation id
	Method  string          `json:"method,omitempty"`   // for requests and events
	ReplyTo string          `json:"reply_to,omitempty"` // reply topic, Kafka only
	Params  any             `json:"params,omitempty"`   // request parameters
	OK      bool            `json:"ok,omitempty"`       // response success
	Payload json.RawMessage `json:"payload,omitempty"`  // response or event data
	Error   string          `json:"error,omitempty"`    // error message
	Code    string          `json:"code,omitempty"`     // protocol error code
}

// Methods understood by message-oriented runtimes.
const (
	MethodPing          = "ping"
	MethodCreateSession = "session.create"
	MethodSendMessage   = "session.send"
	MethodDeleteSession = "session.delete"
	MethodListFiles     = "session.files"
	EventChunk          = "chunk"
)

var errClientClosed = errors.New("client closed")

// frameConn moves frames over one underlying connection.
// recv blocks until a frame arrives or the connection fails.
type frameConn interface {
	send(ctx context.Context, f *Frame) error
	recv(ctx context.Context) (*Frame, error)
	close() error
}

// pendingCall is one request awaiting its response. Chunk events queue up in
// chunks and are handed to the caller's goroutine through notify, so the read
// loop never runs caller code.
type pendingCall struct {
	ch     chan *Frame
	notify chan struct{}
	chunks []string // guarded by rpcClient.mu
}

// rpcClient multiplexes concurrent requests over one frameConn. A single read
// loop routes responses to waiting callers by id. Once the connection fails
// every pending and future call returns a TransportError. One caller
// cancelling does not affect the others.
type rpcClient struct {
	instanceID string
	runtime    instance.Runtime
	conn       frameConn
	replyTo    string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingCall
	err     error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newRPCClient(instanceID string, rt instance.Runtime, conn frameConn) *rpcClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &rpcClient{
		instanceID: instanceID,
		runtime:    rt,
		conn:       conn,
		pending:    make(map[string]*pendingCall),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c
}

func (c *rpcClient) InstanceID() string { return c.instanceID }

func (c *rpcClient) Close() error {
	var err error
	c.once.Do(func() {
		c.fail(errClientClosed)
		c.cancel()
		err = c.conn.close()
		<-c.done
	})
	return err
}

// Err returns the error that broke the connection, or nil while it is healthy.
func (c *rpcClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *rpcClient) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		f, err := c.conn.recv(ctx)
		if err != nil {
			c.fail(err)
			return
		}
		c.route(f)
	}
}

func (c *rpcClient) route(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.pending[f.ID]
	if !ok {
		slog.Debug("RPCClient: unmatched frame", "instance", c.instanceID, "type", f.Type, "id", f.ID)
		return
	}
	switch {
	case f.Type == "res":
		// Delivered under the lock so fail cannot close ch concurrently.
		select {
		case pc.ch <- f:
		default:
		}
	case f.Type == "event" && f.Method == EventChunk && pc.notify != nil:
		var chunk struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(f.Payload, &chunk); err != nil {
			return
		}
		pc.chunks = append(pc.chunks, chunk.Text)
		select {
		case pc.notify <- struct{}{}:
		default:
		}
	}
}

// takeChunks removes the chunks queued for pc.
func (c *rpcClient) takeChunks(pc *pendingCall) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	chunks := pc.chunks
	pc.chunks = nil
	return chunks
}

// fail records the first connection error and wakes every pending call.
func (c *rpcClient) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	for id, pc := range c.pending {
		close(pc.ch)
		delete(c.pending, id)
	}
}

// call sends a request and waits for its response. onChunk, when set, runs on
// the calling goroutine and never after call returns. A call whose ctx ends
// returns the context error and leaves the connection to other callers.
func (c *rpcClient) call(ctx context.Context, op, method string, params any, onChunk func(string)) (*Frame, error) {
	id := uuid.NewString()
	pc := &pendingCall{ch: make(chan *Frame, 1)}
	if onChunk != nil {
		pc.notify = make(chan struct{}, 1)
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, transportErr(c.runtime, op, err)
	}
	c.pending[id] = pc
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return nil, callerErr(c.runtime, op, err)
	}
	req := &Frame{Type: "req", ID: id, Method: method, ReplyTo: c.replyTo, Params: params}
	c.writeMu.Lock()
	err := c.conn.send(ctx, req)
	c.writeMu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return nil, callerErr(c.runtime, op, ctx.Err())
		}
		c.fail(err)
		return nil, transportErr(c.runtime, op, err)
	}

	deliver := func() {
		for _, text := range c.takeChunks(pc) {
			onChunk(text)
		}
	}
	for {
		select {
		case <-pc.notify:
			deliver()
			if err := ctx.Err(); err != nil {
				return nil, callerErr(c.runtime, op, err)
			}
		case resp, ok := <-pc.ch:
			if !ok {
				return nil, transportErr(c.runtime, op, c.Err())
			}
			if onChunk != nil {
				deliver()
			}
			if !resp.OK {
				code := resp.Code
				if code == "" {
					code = CodeRejected
				}
				return nil, &ProtocolError{Runtime: c.runtime, Op: op, Code: code, Message: resp.Error}
			}
			return resp, nil
		case <-ctx.Done():
			return nil, callerErr(c.runtime, op, ctx.Err())
		}
	}
}

// rpcOps implements the session operations shared by frame-based runtimes.
type rpcOps struct {
	runtime instance.Runtime
}

func (o rpcOps) client(c Client) (*rpcClient, error) {
	rc, ok := c.(*rpcClient)
	if !ok || rc == nil || rc.runtime != o.runtime {
		return nil, ErrClientMismatch
	}
	return rc, nil
}

func (o rpcOps) invoke(ctx context.Context, c Client, op, method string, params any, out any, onChunk func(string)) error {
	rc, err := o.client(c)
	if err != nil {
		return err
	}
	resp, err := rc.call(ctx, op, method, params, onChunk)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, out); err != nil {
		return &ProtocolError{Runtime: o.runtime, Op: op, Code: CodeBadResponse, Message: err.Error()}
	}
	return nil
}

func (o rpcOps) Ping(ctx context.Context, c Client) error {
	return o.invoke(ctx, c, "ping", MethodPing, nil, nil, nil)
}

// handshake pings a freshly dialed client and closes it on failure. A runtime
// that stays silent until the dial budget runs out is unreachable, so only an
// explicit cancel escapes the transport classification.
func (o rpcOps) handshake(ctx context.Context, c *rpcClient) error {
	err := o.Ping(ctx, c)
	if err == nil {
		return nil
	}
	c.Close()
	var pe *ProtocolError
	if errors.As(err, &pe) || IsTransport(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return transportErr(o.runtime, "connect", err)
}

func (o rpcOps) CreateSession(ctx context.Context, c Client, params SessionParams) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := o.invoke(ctx, c, "create_session", MethodCreateSession, params, &out, nil); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", &ProtocolError{Runtime: o.runtime, Op: "create_session", Code: CodeBadResponse, Message: "missing session_id"}
	}
	return out.SessionID, nil
}

type sendParams struct {
	SessionID string `json:"session_id"`
	Stream    bool   `json:"stream,omitempty"`
	Message
}

func (o rpcOps) SendMessage(ctx context.Context, c Client, remoteSessionID string, msg Message) (*Reply, error) {
	var reply Reply
	if err := o.invoke(ctx, c, "send_message", MethodSendMessage, sendParams{SessionID: remoteSessionID, Message: msg}, &reply, nil); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (o rpcOps) StreamMessage(ctx context.Context, c Client, remoteSessionID string, msg Message, onChunk func(string)) (*Reply, error) {
	if onChunk == nil {
		return nil, fmt.Errorf("stream_message: onChunk is required")
	}
	var reply Reply
	if err := o.invoke(ctx, c, "send_message", MethodSendMessage, sendParams{SessionID: remoteSessionID, Stream: true, Message: msg}, &reply, onChunk); err != nil {
		return nil, err
	}
	reply.Streamed = true
	return &reply, nil
}

func (o rpcOps) DeleteSession(ctx context.Context, c Client, remoteSessionID string) error {
	return o.invoke(ctx, c, "delete_session", MethodDeleteSession, map[string]string{"session_id": remoteSessionID}, nil, nil)
}

func (o rpcOps) ListFiles(ctx context.Context, c Client, remoteSessionID, zone string) ([]FileEntry, error) {
	var out struct {
		Files []FileEntry `json:"files"`
	}
	params := map[string]string{"session_id": remoteSessionID, "zone": zone}
	if err := o.invoke(ctx, c, "list_files", MethodListFiles, params, &out, nil); err != nil {
		return nil, err
	}
	return out.Files, nil
}
