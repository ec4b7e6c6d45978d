package core

import (
	"context"
	"testing"
	"time"

	"github.com/relaychat/relaychat-server/internal/proto"
)

func startBridge(t *testing.T, brk Broker, registry *Registry, st *fakeStore) {
	t.Helper()

	bridge := NewBridge(brk, registry, st, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bridge.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("bridge listener did not stop")
		}
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func TestBridgeDeliversToLocalConnection(t *testing.T) {
	st := newFakeStore()
	brk := newFakeBroker()
	registry := NewRegistry()
	conn := newFakeConn("c1")
	registry.Insert(5, conn)

	startBridge(t, brk, registry, st)

	env := &proto.Envelope{Kind: proto.KindChat, From: 1, To: 5, Body: "via peer"}
	payload, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	brk.msgs <- BrokerMessage{Channel: UserChannel(5), Payload: payload}

	waitFor(t, func() bool { return len(conn.sentEnvelopes()) == 1 }, "relayed envelope not delivered")

	got := conn.sentEnvelopes()[0]
	if got.Body != "via peer" || got.From != 1 {
		t.Fatalf("unexpected relayed envelope: %+v", got)
	}
	if st.offlineCount(5) != 0 {
		t.Fatalf("delivered message must not be queued offline")
	}
}

func TestBridgeQueuesOfflineWhenTargetGone(t *testing.T) {
	st := newFakeStore()
	brk := newFakeBroker()
	registry := NewRegistry()

	startBridge(t, brk, registry, st)

	env := &proto.Envelope{Kind: proto.KindChat, From: 1, To: 9, Body: "late"}
	payload, _ := env.Encode()
	brk.msgs <- BrokerMessage{Channel: UserChannel(9), Payload: payload}

	waitFor(t, func() bool { return st.offlineCount(9) == 1 }, "message not queued offline")
}

func TestBridgeDiscardsMalformedMessages(t *testing.T) {
	st := newFakeStore()
	brk := newFakeBroker()
	registry := NewRegistry()

	startBridge(t, brk, registry, st)

	brk.msgs <- BrokerMessage{Channel: "not.a.user.channel", Payload: []byte("{}")}
	brk.msgs <- BrokerMessage{Channel: UserChannel(3), Payload: []byte("not json")}

	// Both are dropped; a well-formed message after them still flows.
	env := &proto.Envelope{Kind: proto.KindChat, To: 3, Body: "ok"}
	payload, _ := env.Encode()
	brk.msgs <- BrokerMessage{Channel: UserChannel(3), Payload: payload}

	waitFor(t, func() bool { return st.offlineCount(3) == 1 }, "well-formed message not processed")
}

func TestBridgeStopsWhenStreamCloses(t *testing.T) {
	st := newFakeStore()
	brk := newFakeBroker()
	registry := NewRegistry()

	bridge := NewBridge(brk, registry, st, testLogger())
	done := make(chan struct{})
	go func() {
		bridge.Run(context.Background())
		close(done)
	}()

	close(brk.msgs)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("listener must exit when the broker stream closes")
	}
}

func TestDisabledBridgeIsInert(t *testing.T) {
	st := newFakeStore()
	registry := NewRegistry()
	bridge := NewBridge(nil, registry, st, testLogger())

	if bridge.Enabled() {
		t.Fatalf("nil broker must leave the bridge disabled")
	}
	if err := bridge.Subscribe(1); err != nil {
		t.Fatalf("subscribe on disabled bridge must be a no-op: %v", err)
	}
	if err := bridge.Unsubscribe(1); err != nil {
		t.Fatalf("unsubscribe on disabled bridge must be a no-op: %v", err)
	}
	if err := bridge.Publish(1, []byte("{}")); err == nil {
		t.Fatalf("publish on disabled bridge must fail")
	}

	// Run returns immediately instead of blocking forever.
	done := make(chan struct{})
	go func() {
		bridge.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("disabled bridge Run must return immediately")
	}
}
