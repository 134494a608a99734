package adapter

import (
	"errors"
	"reflect"
	"testing"

	"github.com/KafClaw/fleetgate/internal/instance"
)

func TestDefaultTable(t *testing.T) {
	tbl := DefaultTable(Options{})
	want := []instance.Runtime{instance.RuntimeHTTP, instance.RuntimeKafka, instance.RuntimeWS}
	if got := tbl.Runtimes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Runtimes = %v, want %v", got, want)
	}

	tests := []struct {
		rt   instance.Runtime
		want instance.Runtime
	}{
		{"http", instance.RuntimeHTTP},
		{"kafclaw", instance.RuntimeHTTP},
		{"agenthub", instance.RuntimeWS},
		{"WebSocket", instance.RuntimeWS},
		{"group", instance.RuntimeKafka},
	}
	for _, tt := range tests {
		a, err := tbl.Lookup(tt.rt)
		if err != nil {
			t.Errorf("Lookup(%q): %v", tt.rt, err)
			continue
		}
		if a.Runtime() != tt.want {
			t.Errorf("Lookup(%q) = %s, want %s", tt.rt, a.Runtime(), tt.want)
		}
	}
}

func TestTable_Unsupported(t *testing.T) {
	tbl := NewTable(NewHTTPAdapter(Options{}))
	_, err := tbl.Lookup("kafka")
	var ue *UnsupportedRuntimeError
	if !errors.As(err, &ue) || ue.Runtime != instance.RuntimeKafka {
		t.Fatalf("Lookup(kafka) = %v", err)
	}
	tbl.Add(nil)
	if len(tbl.Runtimes()) != 1 {
		t.Error("Add(nil) must be ignored")
	}
}

func TestErrorStrings(t *testing.T) {
	te := &TransportError{Runtime: instance.RuntimeWS, Op: "send_message", Err: errors.New("eof")}
	if te.Error() != "ws send_message: transport: eof" {
		t.Errorf("TransportError = %q", te.Error())
	}
	pe := &ProtocolError{Runtime: instance.RuntimeHTTP, Op: "delete_session", Code: CodeSessionNotFound}
	if pe.Error() != "http delete_session: session_not_found" {
		t.Errorf("ProtocolError = %q", pe.Error())
	}
}
