package core

import (
	"context"
	"testing"

	"github.com/relaychat/relaychat-server/internal/proto"
)

func TestDispatcherRoutesByKind(t *testing.T) {
	d := NewDispatcher(testLogger())

	var got *proto.Envelope
	d.Register(proto.KindChat, func(_ context.Context, env *proto.Envelope, _ Conn) {
		got = env
	})

	env := &proto.Envelope{Kind: proto.KindChat, Body: "hello"}
	d.Dispatch(context.Background(), env, newFakeConn("c1"))

	if got == nil || got.Body != "hello" {
		t.Fatalf("handler not invoked with envelope, got %+v", got)
	}
}

func TestDispatcherIgnoresUnknownKind(t *testing.T) {
	d := NewDispatcher(testLogger())

	// Must log and do nothing, never panic.
	d.Dispatch(context.Background(), &proto.Envelope{Kind: "nonsense"}, newFakeConn("c1"))
}
