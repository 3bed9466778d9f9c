package main

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
	"github.com/tinode/relay/server/fanout"
	"github.com/tinode/relay/server/fanout/mock_fanout"
)

func TestDispatchMalformed(t *testing.T) {
	h := newTestHub(t, hubConfig{}, nil)
	alice := h.testConnect(t, "alice")

	for _, raw := range []string{`not json`, `[1, 2]`, `"message"`, `null`, `{"type":`} {
		alice.dispatchRaw([]byte(raw))
		want := []testFrame{{Type: typeError, Reason: reasonMalformedJSON}}
		if diff := cmp.Diff(want, alice.testResponses(t)); diff != "" {
			t.Errorf("%q: frames mismatch (-want +got):\n%s", raw, diff)
		}
	}
	if alice.terminating.Load() {
		t.Error("malformed frame terminated the session")
	}
	if h.sessionStore.Get("alice") != alice {
		t.Error("malformed frame unregistered the session")
	}
}

func TestDispatchUnknownType(t *testing.T) {
	h := newTestHub(t, hubConfig{}, nil)
	alice := h.testConnect(t, "alice")

	alice.dispatchRaw([]byte(`{"type":"typing","recipient":"bob"}`))
	alice.dispatchRaw([]byte(`{"type":42}`))
	if got := alice.testResponses(t); len(got) != 0 {
		t.Errorf("expected no response, got %+v", got)
	}
}

func TestDispatchMessageLocal(t *testing.T) {
	h := newTestHub(t, hubConfig{}, nil)
	alice := h.testConnect(t, "alice")
	bob := h.testConnect(t, "bob")
	carol := h.testConnect(t, "carol")
	alice.testResponses(t)
	bob.testResponses(t)

	h.sessionStore.UpdateIdentity(alice, h.directory, "Alice", false)

	// The client cannot pick the sender.
	alice.dispatchRaw([]byte(`{"type":"message","sender_username":"mallory","recipient":"bob",` +
		`"iv":"aXY=","ct":"Y3Q=","aad":"YWFk","timestamp":1700000000}`))

	var got map[string]any
	frames := bob.send
	if len(frames) != 1 {
		t.Fatalf("expected one frame for bob, got %d", len(frames))
	}
	if err := json.Unmarshal(<-frames, &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"type":            "message",
		"sender":          "Alice",
		"sender_username": "alice",
		"recipient":       "bob",
		"iv":              "aXY=",
		"ct":              "Y3Q=",
		"aad":             "YWFk",
		"timestamp":       float64(1700000000),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("delivered frame mismatch (-want +got):\n%s", diff)
	}

	if n := len(alice.testResponses(t)); n != 0 {
		t.Errorf("sender received %d frames", n)
	}
	if n := len(carol.testResponses(t)); n != 0 {
		t.Errorf("bystander received %d frames", n)
	}

	envs, _ := h.history.With("bob", "alice", 10)
	if len(envs) != 1 || envs[0].Sender != "alice" || envs[0].Recipient != "bob" {
		t.Errorf("message not stored under (alice, bob): %+v", envs)
	}
}

func TestDispatchMessageNoType(t *testing.T) {
	h := newTestHub(t, hubConfig{}, nil)
	alice := h.testConnect(t, "alice")
	bob := h.testConnect(t, "bob")
	bob.testResponses(t)

	alice.dispatchRaw([]byte(`{"recipient":"bob","ct":"x"}`))
	got := bob.testResponses(t)
	if len(got) != 1 || got[0].Type != typeMessage || got[0].SenderUsername != "alice" {
		t.Errorf("frame without type not routed as a message: %+v", got)
	}
}

func TestDispatchMessageInvalidRecipient(t *testing.T) {
	h := newTestHub(t, hubConfig{}, nil)
	alice := h.testConnect(t, "alice")

	for _, raw := range []string{
		`{"type":"message","ct":"x"}`,
		`{"type":"message","recipient":"","ct":"x"}`,
		`{"type":"message","recipient":42,"ct":"x"}`,
		`{"type":"message","recipient":["bob"],"ct":"x"}`,
		`{"type":"message","recipient":null,"ct":"x"}`,
	} {
		alice.dispatchRaw([]byte(raw))
		want := []testFrame{{Type: typeError, Reason: reasonInvalidRecipient}}
		if diff := cmp.Diff(want, alice.testResponses(t)); diff != "" {
			t.Errorf("%s: frames mismatch (-want +got):\n%s", raw, diff)
		}
	}
	if peers, _ := h.history.Peers("alice", 10); len(peers) != 0 {
		t.Errorf("invalid message stored: %v", peers)
	}
}

func TestDispatchMessageOffline(t *testing.T) {
	h := newTestHub(t, hubConfig{}, nil)
	alice := h.testConnect(t, "alice")
	bob := h.testConnect(t, "bob")
	alice.testResponses(t)

	alice.dispatchRaw([]byte(`{"type":"message","recipient":"dave","ct":"x"}`))
	want := []testFrame{{Type: typeError, Reason: reasonRecipientOffline, Recipient: "dave"}}
	if diff := cmp.Diff(want, alice.testResponses(t)); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
	if n := len(bob.testResponses(t)); n != 0 {
		t.Errorf("message for an offline user delivered to someone else")
	}

	// Retained for when dave connects.
	envs, _ := h.history.With("dave", "alice", 10)
	if len(envs) != 1 {
		t.Errorf("expected 1 stored message, got %d", len(envs))
	}
}

func TestDispatchMessageDeliveryFailed(t *testing.T) {
	h := newTestHub(t, hubConfig{}, nil)
	alice := h.testConnect(t, "alice")
	bob := h.testConnect(t, "bob")
	alice.testResponses(t)
	bob.fillQueue()

	alice.dispatchRaw([]byte(`{"type":"message","recipient":"bob","ct":"x"}`))
	want := []testFrame{{Type: typeError, Reason: reasonDeliveryFailed, Recipient: "bob"}}
	if diff := cmp.Diff(want, alice.testResponses(t)); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
	if envs, _ := h.history.With("alice", "bob", 10); len(envs) != 1 {
		t.Errorf("undelivered message not retained, got %d", len(envs))
	}
}

func TestDispatchMessageFanout(t *testing.T) {
	ctrl := gomock.NewController(t)
	broker := mock_fanout.NewMockBroker(ctrl)
	sub := mock_fanout.NewMockSubscription(ctrl)
	h := newTestHub(t, hubConfig{}, broker)

	broker.EXPECT().Subscribe(fanout.Channel(fanout.DefaultPrefix, "alice"), gomock.Any()).Return(sub, nil)
	broker.EXPECT().Subscribe(fanout.Channel(fanout.DefaultPrefix, "bob"), gomock.Any()).Return(sub, nil)
	alice := h.testConnect(t, "alice")
	bob := h.testConnect(t, "bob")
	alice.testResponses(t)

	var published []byte
	broker.EXPECT().Publish(fanout.Channel(fanout.DefaultPrefix, "dave"), gomock.Any()).
		DoAndReturn(func(_ string, payload []byte) error {
			published = payload
			return nil
		}).Times(1)

	alice.dispatchRaw([]byte(`{"type":"message","recipient":"dave","ct":"x"}`))

	if got := alice.testResponses(t); len(got) != 0 {
		t.Errorf("sender received %+v", got)
	}
	if n := len(bob.testResponses(t)); n != 0 {
		t.Error("published message also delivered locally")
	}
	var frame testFrame
	if err := json.Unmarshal(published, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.SenderUsername != "alice" || frame.Recipient != "dave" || string(frame.CT) != `"x"` {
		t.Errorf("unexpected published payload %s", published)
	}

	// Local recipients never go through the broker.
	alice.dispatchRaw([]byte(`{"type":"message","recipient":"bob","ct":"y"}`))
	if got := bob.testResponses(t); len(got) != 1 {
		t.Errorf("expected local delivery, got %+v", got)
	}
}

func TestDispatchMessageFanoutFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	broker := mock_fanout.NewMockBroker(ctrl)
	sub := mock_fanout.NewMockSubscription(ctrl)
	h := newTestHub(t, hubConfig{}, broker)

	broker.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(sub, nil)
	alice := h.testConnect(t, "alice")

	broker.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("nats: connection closed"))
	alice.dispatchRaw([]byte(`{"type":"message","recipient":"dave","ct":"x"}`))

	want := []testFrame{{Type: typeError, Reason: reasonRecipientOffline, Recipient: "dave"}}
	if diff := cmp.Diff(want, alice.testResponses(t)); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchRegister(t *testing.T) {
	h := newTestHub(t, hubConfig{passphrase: "secret"}, nil)
	alice := h.testConnect(t, "alice")
	bob := h.testConnect(t, "bob")
	alice.testResponses(t)

	alice.dispatchRaw([]byte(`{"type":"register","username":"alice","label":"  Alice\u0007 ","anonymous":false}`))

	want := []testFrame{
		{Type: typeRegisterOk, Username: "alice", Label: "Alice", Passphrase: "secret"},
		userList(UserInfo{Username: "alice", Label: "Alice"}, user("bob")),
	}
	if diff := cmp.Diff(want, alice.testResponses(t)); diff != "" {
		t.Errorf("alice frames mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want[1:], bob.testResponses(t)); diff != "" {
		t.Errorf("bob frames mismatch (-want +got):\n%s", diff)
	}

	// Username defaults to the connection's ID.
	alice.dispatchRaw([]byte(`{"type":"register","anonymous":true}`))
	got := alice.testResponses(t)
	if len(got) != 2 || !strings.HasPrefix(got[0].Label, anonLabelPrefix) || !got[0].Anonymous {
		t.Errorf("expected anonymous label, got %+v", got)
	}
}

func TestDispatchRegisterMismatch(t *testing.T) {
	h := newTestHub(t, hubConfig{}, nil)
	alice := h.testConnect(t, "alice")

	for _, raw := range []string{
		`{"type":"register","username":"bob"}`,
		`{"type":"register","username":""}`,
		`{"type":"register","username":7}`,
	} {
		alice.terminating.Store(false)
		alice.dispatchRaw([]byte(raw))

		if got := alice.testStopFrame(t); got == nil || got.Type != typeRegisterFailed || got.Reason != reasonUsernameMismatch {
			t.Errorf("%s: expected register_failed/username_mismatch, got %+v", raw, got)
		}
		if !alice.terminating.Load() {
			t.Errorf("%s: session not terminating", raw)
		}
	}
	if h.directory.Get("alice").Label != "alice" {
		t.Error("rejected registration changed the identity")
	}
}

func TestDispatchUpdateLabel(t *testing.T) {
	h := newTestHub(t, hubConfig{maxLabelLength: 5}, nil)
	alice := h.testConnect(t, "alice")
	bob := h.testConnect(t, "bob")
	alice.testResponses(t)

	alice.dispatchRaw([]byte(`{"type":"update_label","label":"Wonderland","anonymous":false}`))
	want := []testFrame{
		{Type: typeUpdateOk, Label: "Wonde"},
		userList(UserInfo{Username: "alice", Label: "Wonde"}, user("bob")),
	}
	if diff := cmp.Diff(want, alice.testResponses(t)); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want[1:], bob.testResponses(t)); diff != "" {
		t.Errorf("bob frames mismatch (-want +got):\n%s", diff)
	}
	if h.sessionStore.Get("alice") != alice {
		t.Error("relabel replaced the session")
	}

	alice.dispatchRaw([]byte(`{"type":"update_label","label":"","anonymous":false}`))
	if got := alice.testResponses(t); len(got) == 0 || got[0].Label != "alice" {
		t.Errorf("empty label must fall back to the user ID, got %+v", got)
	}
}

func TestDispatchGetHistory(t *testing.T) {
	h := newTestHub(t, hubConfig{historyLimit: 2}, nil)
	alice := h.testConnect(t, "alice")
	bob := h.testConnect(t, "bob")
	alice.testResponses(t)

	for _, ct := range []string{"1", "2", "3"} {
		alice.dispatchRaw([]byte(`{"type":"message","recipient":"bob","ct":"` + ct + `"}`))
	}
	bob.dispatchRaw([]byte(`{"type":"message","recipient":"alice","ct":"4"}`))
	alice.testResponses(t)
	bob.testResponses(t)

	h.sessionStore.UpdateIdentity(bob, h.directory, "Bobby", false)
	alice.dispatchRaw([]byte(`{"type":"get_chat_history","with_user":"bob"}`))
	want := []testFrame{{Type: typeChatHistory, WithUser: "bob", Messages: []testFrame{
		{Type: typeMessage, Sender: "alice", SenderUsername: "alice", Recipient: "bob", CT: json.RawMessage(`"3"`)},
		{Type: typeMessage, Sender: "Bobby", SenderUsername: "bob", Recipient: "alice", CT: json.RawMessage(`"4"`)},
	}}}
	if diff := cmp.Diff(want, alice.testResponses(t)); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	// Unknown peer: empty list.
	alice.dispatchRaw([]byte(`{"type":"get_chat_history","with_user":"nobody"}`))
	got := alice.send
	if len(got) != 1 {
		t.Fatalf("expected one frame, got %d", len(got))
	}
	if raw := string(<-got); !strings.Contains(raw, `"messages":[]`) {
		t.Errorf("expected empty message list, got %s", raw)
	}

	// Missing peer: ignored.
	alice.dispatchRaw([]byte(`{"type":"get_chat_history"}`))
	alice.dispatchRaw([]byte(`{"type":"get_chat_history","with_user":5}`))
	if n := len(alice.testResponses(t)); n != 0 {
		t.Errorf("expected no response, got %d frames", n)
	}
}

func TestDispatchGetPassphrase(t *testing.T) {
	h := newTestHub(t, hubConfig{}, nil)
	alice := h.testConnect(t, "alice")
	alice.dispatchRaw([]byte(`{"type":"get_passphrase"}`))
	if n := len(alice.testResponses(t)); n != 0 {
		t.Errorf("passphrase handed out while disabled")
	}

	h = newTestHub(t, hubConfig{passphrase: "secret"}, nil)
	alice = h.testConnect(t, "alice")
	alice.dispatchRaw([]byte(`{"type":"get_passphrase"}`))
	want := []testFrame{{Type: typePassphrase, Passphrase: "secret"}}
	if diff := cmp.Diff(want, alice.testResponses(t)); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchOrder(t *testing.T) {
	h := newTestHub(t, hubConfig{}, nil)
	alice := h.testConnect(t, "alice")
	bob := h.testConnect(t, "bob")
	bob.testResponses(t)

	for i := 0; i < 20; i++ {
		alice.dispatchRaw([]byte(`{"recipient":"bob","ct":"` + string(rune('a'+i)) + `"}`))
	}
	got := bob.testResponses(t)
	if len(got) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(got))
	}
	for i, frame := range got {
		if want := `"` + string(rune('a'+i)) + `"`; string(frame.CT) != want {
			t.Errorf("message %d: expected %s, got %s", i, want, frame.CT)
		}
	}
}
