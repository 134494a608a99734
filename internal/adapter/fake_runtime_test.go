package adapter

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// fakeRuntime answers request frames the way a frame-speaking agent runtime
// would. It is shared by the websocket and Kafka tests.
type fakeRuntime struct {
	mu       sync.Mutex
	sessions map[string]bool
	next     int
	requests []string
	hang     map[string]bool // methods that never get a response
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{sessions: make(map[string]bool), hang: make(map[string]bool)}
}

func (r *fakeRuntime) methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.requests...)
}

func payload(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// handle returns the frames to send back for one request, in order.
func (r *fakeRuntime) handle(req *Frame) []*Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req.Method)
	if r.hang[req.Method] {
		return nil
	}

	raw, _ := json.Marshal(req.Params)
	var p struct {
		SessionID string `json:"session_id"`
		UserID    string `json:"user_id"`
		Content   string `json:"content"`
		Stream    bool   `json:"stream"`
		Zone      string `json:"zone"`
	}
	_ = json.Unmarshal(raw, &p)

	ok := func(v any) *Frame { return &Frame{Type: "res", ID: req.ID, OK: true, Payload: payload(v)} }
	fail := func(code, msg string) *Frame { return &Frame{Type: "res", ID: req.ID, Code: code, Error: msg} }

	switch req.Method {
	case MethodPing:
		return []*Frame{ok(map[string]string{"status": "ok"})}
	case MethodCreateSession:
		if p.UserID == "" {
			return []*Frame{fail(CodeRejected, "user_id required")}
		}
		r.next++
		id := fmt.Sprintf("rs-%d", r.next)
		r.sessions[id] = true
		return []*Frame{ok(map[string]string{"session_id": id})}
	case MethodSendMessage:
		if !r.sessions[p.SessionID] {
			return []*Frame{fail(CodeSessionNotFound, "no such session")}
		}
		reply := Reply{Content: "echo: " + p.Content, FinishReason: "stop"}
		if !p.Stream {
			return []*Frame{ok(reply)}
		}
		var out []*Frame
		for _, word := range strings.Fields(reply.Content) {
			out = append(out, &Frame{Type: "event", ID: req.ID, Method: EventChunk, Payload: payload(map[string]string{"text": word})})
		}
		return append(out, ok(reply))
	case MethodDeleteSession:
		if !r.sessions[p.SessionID] {
			return []*Frame{fail(CodeSessionNotFound, "no such session")}
		}
		delete(r.sessions, p.SessionID)
		return []*Frame{ok(nil)}
	case MethodListFiles:
		if !r.sessions[p.SessionID] {
			return []*Frame{fail(CodeSessionNotFound, "no such session")}
		}
		return []*Frame{ok(map[string]any{"files": []FileEntry{{Path: p.Zone + "/notes.md", Size: 12}}})}
	}
	return []*Frame{fail(CodeRejected, "unknown method "+req.Method)}
}
