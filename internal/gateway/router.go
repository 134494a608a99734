package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/fleetgate/internal/adapter"
	"github.com/KafClaw/fleetgate/internal/instance"
	"github.com/KafClaw/fleetgate/internal/session"
)

// SessionStore persists the local chat session records.
type SessionStore interface {
	Get(id string) (*session.ChatSession, error)
	Save(s *session.ChatSession) error
	Update(s *session.ChatSession) error
	Delete(id string) (bool, error)
	List(userID string) ([]session.Info, error)
}

// Outcome of an audited operation.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomePartial = "partial"
)

// Operation is one audited session operation.
type Operation struct {
	TraceID         string        `json:"trace_id"`
	Op              string        `json:"op"`
	InstanceID      string        `json:"instance_id,omitempty"`
	SessionID       string        `json:"session_id,omitempty"`
	RemoteSessionID string        `json:"remote_session_id,omitempty"`
	UserID          string        `json:"user_id,omitempty"`
	Outcome         string        `json:"outcome"`
	ErrorClass      ErrorClass    `json:"error_class,omitempty"`
	Error           string        `json:"error,omitempty"`
	Duration        time.Duration `json:"duration"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Auditor records session operations.
type Auditor interface {
	RecordOperation(ctx context.Context, op Operation) error
}

// Timeouts applied by the Router when the caller's context has no deadline.
type Timeouts struct {
	Op     time.Duration
	Stream time.Duration
}

// RemoteOutcome describes what happened on the instance during a delete.
type RemoteOutcome string

const (
	// RemoteDeleted means the instance deleted its session.
	RemoteDeleted RemoteOutcome = "deleted"
	// RemoteNotFound means the instance did not know the session.
	RemoteNotFound RemoteOutcome = "not_found"
	// RemoteSkipped means no remote call was made because the instance is not registered.
	RemoteSkipped RemoteOutcome = "skipped"
	// RemoteFailed means the remote call failed; see DeleteResult.RemoteErr.
	RemoteFailed RemoteOutcome = "failed"
)

// DeleteResult reports both halves of a session delete.
type DeleteResult struct {
	Remote       RemoteOutcome `json:"remote"`
	RemoteErr    error         `json:"-"`
	LocalDeleted bool          `json:"local_deleted"`
}

// CreateRequest asks for a new session on one instance.
type CreateRequest struct {
	UserID     string            `json:"user_id"`
	InstanceID string            `json:"instance_id"`
	Title      string            `json:"title,omitempty"`
	Agent      string            `json:"agent,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Router resolves chat sessions to instances and runs session operations
// through the registry.
type Router struct {
	reg      *Registry
	sessions SessionStore
	audit    Auditor
	timeouts Timeouts
}

// NewRouter creates a router. audit may be nil.
func NewRouter(reg *Registry, sessions SessionStore, audit Auditor, timeouts Timeouts) *Router {
	if timeouts.Op <= 0 {
		timeouts.Op = 2 * time.Minute
	}
	if timeouts.Stream <= 0 {
		timeouts.Stream = 10 * time.Minute
	}
	return &Router{reg: reg, sessions: sessions, audit: audit, timeouts: timeouts}
}

// Registry returns the registry the router dispatches through.
func (r *Router) Registry() *Registry { return r.reg }

func withDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// resolve returns the adapter and client for an instance.
func (r *Router) resolve(ctx context.Context, instanceID string) (adapter.Adapter, adapter.Client, error) {
	if err := r.reg.EnsureInitialized(ctx); err != nil {
		return nil, nil, err
	}
	a, err := r.reg.Adapter(instanceID)
	if err != nil {
		return nil, nil, err
	}
	c, err := r.reg.Client(ctx, instanceID)
	if err != nil {
		if errors.As(err, new(*ClientUnavailableError)) {
			r.markStatus(instanceID, instance.StatusOffline)
		}
		return nil, nil, err
	}
	return a, c, nil
}

// observe applies the client policy to the result of a remote call: a transport
// failure invalidates the client and marks the instance offline; any answer
// from the instance marks it online. A call the caller abandoned says nothing
// about the connection, which other callers may still be using.
func (r *Router) observe(instanceID string, err error) {
	switch {
	case err == nil:
		r.markStatus(instanceID, instance.StatusOnline)
	case errors.Is(err, context.Canceled):
		slog.Debug("Router: call cancelled by caller", "instance", instanceID)
	case adapter.IsTransport(err):
		slog.Warn("Router: transport failure, invalidating client", "instance", instanceID, "error", err)
		r.reg.Invalidate(instanceID)
		r.markStatus(instanceID, instance.StatusOffline)
	default:
		var pe *adapter.ProtocolError
		if errors.As(err, &pe) {
			r.markStatus(instanceID, instance.StatusOnline)
		}
	}
}

func (r *Router) markStatus(id string, status instance.Status) {
	// Status bookkeeping must not be cut short by a cancelled request.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.reg.SetStatus(ctx, id, status); err != nil && !errors.Is(err, ErrInstanceNotFound) {
		slog.Debug("Router: set status failed", "instance", id, "error", err)
	}
}

func (r *Router) record(ctx context.Context, op Operation, start time.Time, err error) {
	op.Duration = time.Since(start)
	op.Timestamp = start
	if op.Outcome == "" {
		op.Outcome = OutcomeOK
		if err != nil {
			op.Outcome = OutcomeError
		}
	}
	if err != nil {
		op.ErrorClass = Classify(err)
		op.Error = err.Error()
	}
	if r.audit == nil {
		return
	}
	if aerr := r.audit.RecordOperation(context.WithoutCancel(ctx), op); aerr != nil {
		slog.Warn("Router: audit write failed", "op", op.Op, "trace", op.TraceID, "error", aerr)
	}
}

// CreateSession opens a remote session on the requested instance and stores
// the local record that maps to it.
func (r *Router) CreateSession(ctx context.Context, req CreateRequest) (sess *session.ChatSession, err error) {
	start := time.Now()
	op := Operation{TraceID: uuid.NewString(), Op: "create_session", InstanceID: req.InstanceID, UserID: req.UserID}
	defer func() {
		if sess != nil {
			op.SessionID, op.RemoteSessionID = sess.ID, sess.RemoteID
		}
		r.record(ctx, op, start, err)
	}()

	if strings.TrimSpace(req.UserID) == "" {
		return nil, invalidf("user_id is required")
	}
	if strings.TrimSpace(req.InstanceID) == "" {
		return nil, invalidf("instance_id is required")
	}

	ctx, cancel := withDefaultTimeout(ctx, r.timeouts.Op)
	defer cancel()

	a, c, err := r.resolve(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	remoteID, err := a.CreateSession(ctx, c, adapter.SessionParams{
		UserID:   req.UserID,
		Title:    req.Title,
		Agent:    req.Agent,
		Metadata: req.Metadata,
	})
	r.observe(req.InstanceID, err)
	if err != nil {
		return nil, err
	}

	sess = session.NewChatSession(req.UserID, req.InstanceID, remoteID, req.Title)
	if err := r.sessions.Save(sess); err != nil {
		// Do not leave an orphan on the instance.
		if derr := a.DeleteSession(context.WithoutCancel(ctx), c, remoteID); derr != nil {
			slog.Warn("Router: orphaned remote session", "instance", req.InstanceID, "remote_session", remoteID, "error", derr)
		}
		return nil, fmt.Errorf("save session: %w", err)
	}
	slog.Info("Router: session created", "session", sess.ID, "instance", req.InstanceID, "remote_session", remoteID)
	return sess, nil
}

// Session returns a local session record.
func (r *Router) Session(id string) (*session.ChatSession, error) {
	return r.sessions.Get(id)
}

// ListSessions lists local session records for a user, or all users when empty.
func (r *Router) ListSessions(userID string) ([]session.Info, error) {
	return r.sessions.List(userID)
}

// SendMessage delivers a message on a session and appends both turns to the
// local transcript.
func (r *Router) SendMessage(ctx context.Context, sessionID string, msg adapter.Message) (*adapter.Reply, error) {
	return r.send(ctx, sessionID, msg, nil)
}

// StreamMessage is SendMessage with partial replies passed to onChunk. Runtimes
// that cannot stream deliver the whole reply as a single chunk.
func (r *Router) StreamMessage(ctx context.Context, sessionID string, msg adapter.Message, onChunk func(string)) (*adapter.Reply, error) {
	if onChunk == nil {
		return nil, invalidf("onChunk is required")
	}
	return r.send(ctx, sessionID, msg, onChunk)
}

func (r *Router) send(ctx context.Context, sessionID string, msg adapter.Message, onChunk func(string)) (reply *adapter.Reply, err error) {
	start := time.Now()
	op := Operation{TraceID: uuid.NewString(), Op: "send_message", SessionID: sessionID}
	if onChunk != nil {
		op.Op = "stream_message"
	}
	defer func() { r.record(ctx, op, start, err) }()

	if strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0 {
		return nil, invalidf("message content is required")
	}
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	info := sess.Info()
	op.InstanceID, op.RemoteSessionID, op.UserID = info.InstanceID, info.RemoteID, info.UserID

	timeout := r.timeouts.Op
	if onChunk != nil {
		timeout = r.timeouts.Stream
	}
	ctx, cancel := withDefaultTimeout(ctx, timeout)
	defer cancel()

	a, c, err := r.resolve(ctx, info.InstanceID)
	if err != nil {
		return nil, err
	}

	if s, ok := a.(adapter.Streamer); ok && onChunk != nil {
		reply, err = s.StreamMessage(ctx, c, info.RemoteID, msg, onChunk)
	} else {
		reply, err = a.SendMessage(ctx, c, info.RemoteID, msg)
		if err == nil && onChunk != nil {
			onChunk(reply.Content)
		}
	}
	r.observe(info.InstanceID, err)
	if err != nil {
		return nil, err
	}

	sess.AddMessage("user", msg.Content)
	sess.AddMessage("assistant", reply.Content)
	switch serr := r.sessions.Update(sess); {
	case errors.Is(serr, session.ErrNotFound):
		slog.Debug("Router: session deleted during send, transcript dropped", "session", sessionID)
	case serr != nil:
		slog.Warn("Router: transcript save failed", "session", sessionID, "error", serr)
	}
	return reply, nil
}

// DeleteSession removes a chat session. The remote delete is best effort: an
// unregistered instance is skipped without contacting anything, a remote
// "not found" counts as done, and any other remote failure is reported in the
// result while the local record is still deleted. The returned error is set
// only when the local record could not be removed.
func (r *Router) DeleteSession(ctx context.Context, sessionID string) (res DeleteResult, err error) {
	start := time.Now()
	op := Operation{TraceID: uuid.NewString(), Op: "delete_session", SessionID: sessionID}
	defer func() {
		if err == nil && res.Remote == RemoteFailed {
			op.Outcome = OutcomePartial
			op.ErrorClass = Classify(res.RemoteErr)
			op.Error = res.RemoteErr.Error()
		}
		r.record(ctx, op, start, err)
	}()

	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return res, err
	}
	info := sess.Info()
	op.InstanceID, op.RemoteSessionID, op.UserID = info.InstanceID, info.RemoteID, info.UserID

	rctx, cancel := withDefaultTimeout(ctx, r.timeouts.Op)
	res.Remote, res.RemoteErr = r.deleteRemote(rctx, info.InstanceID, info.RemoteID)
	cancel()
	if res.Remote == RemoteFailed {
		slog.Warn("Router: remote delete failed, removing local record anyway",
			"session", sessionID, "instance", info.InstanceID, "error", res.RemoteErr)
	}

	res.LocalDeleted, err = r.sessions.Delete(sessionID)
	if err != nil {
		return res, fmt.Errorf("delete local session: %w", err)
	}
	return res, nil
}

func (r *Router) deleteRemote(ctx context.Context, instanceID, remoteID string) (RemoteOutcome, error) {
	if remoteID == "" {
		return RemoteSkipped, nil
	}
	if err := r.reg.EnsureInitialized(ctx); err != nil {
		return RemoteFailed, err
	}
	a, err := r.reg.Adapter(instanceID)
	if errors.Is(err, ErrInstanceNotFound) {
		return RemoteSkipped, nil
	}
	if err != nil {
		return RemoteFailed, err
	}
	c, err := r.reg.Client(ctx, instanceID)
	if err != nil {
		if errors.Is(err, ErrInstanceNotFound) {
			return RemoteSkipped, nil
		}
		r.markStatus(instanceID, instance.StatusOffline)
		return RemoteFailed, err
	}
	err = a.DeleteSession(ctx, c, remoteID)
	r.observe(instanceID, err)
	switch {
	case err == nil:
		return RemoteDeleted, nil
	case adapter.IsSessionNotFound(err):
		return RemoteNotFound, err
	default:
		return RemoteFailed, err
	}
}

// ListFiles lists the files a session can see in a zone.
func (r *Router) ListFiles(ctx context.Context, sessionID, zone string) (files []adapter.FileEntry, err error) {
	start := time.Now()
	op := Operation{TraceID: uuid.NewString(), Op: "list_files", SessionID: sessionID}
	defer func() { r.record(ctx, op, start, err) }()

	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	info := sess.Info()
	op.InstanceID, op.RemoteSessionID, op.UserID = info.InstanceID, info.RemoteID, info.UserID

	ctx, cancel := withDefaultTimeout(ctx, r.timeouts.Op)
	defer cancel()

	a, c, err := r.resolve(ctx, info.InstanceID)
	if err != nil {
		return nil, err
	}
	files, err = a.ListFiles(ctx, c, info.RemoteID, zone)
	r.observe(info.InstanceID, err)
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []adapter.FileEntry{}
	}
	return files, nil
}
