package history

import (
	"encoding/json"
	"strconv"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func env(from, to string, seq int) *Envelope {
	return &Envelope{
		Sender:    from,
		Recipient: to,
		IV:        json.RawMessage(`"iv-` + strconv.Itoa(seq) + `"`),
		CT:        json.RawMessage(`"ct-` + strconv.Itoa(seq) + `"`),
		AAD:       json.RawMessage(`"aad"`),
		Timestamp: json.RawMessage(strconv.Itoa(seq)),
	}
}

func seqs(envs []*Envelope) []string {
	var out []string
	for _, e := range envs {
		out = append(out, string(e.Timestamp))
	}
	return out
}

func TestKeyOf(t *testing.T) {
	if KeyOf("bob", "alice") != KeyOf("alice", "bob") {
		t.Error("key must not depend on direction")
	}
	k := KeyOf("zed", "amy")
	if k.Lo != "amy" || k.Hi != "zed" {
		t.Errorf("unexpected key ordering %+v", k)
	}
	// Joining with a separator would make these two collide.
	if KeyOf("a_b", "c") == KeyOf("a", "b_c") {
		t.Error("keys of distinct pairs collide")
	}
	if p := k.Peer("amy"); p != "zed" {
		t.Errorf("Peer(amy): expected 'zed', got '%s'", p)
	}
	if p := k.Peer("zed"); p != "amy" {
		t.Errorf("Peer(zed): expected 'amy', got '%s'", p)
	}
	if p := k.Peer("nobody"); p != "" {
		t.Errorf("Peer(nobody): expected empty, got '%s'", p)
	}
}

func TestMemoryBound(t *testing.T) {
	m := NewMemory(DefaultSize)
	for i := 0; i < 150; i++ {
		from, to := "alice", "bob"
		if i%2 == 1 {
			from, to = to, from
		}
		if err := m.Append(env(from, to, i)); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := m.With("bob", "alice", 0)
	if len(got) != DefaultSize {
		t.Fatalf("expected %d retained envelopes, got %d", DefaultSize, len(got))
	}
	var want []string
	for i := 50; i < 150; i++ {
		want = append(want, strconv.Itoa(i))
	}
	if diff := cmp.Diff(want, seqs(got)); diff != "" {
		t.Errorf("retained envelopes mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryLimit(t *testing.T) {
	m := NewMemory(10)
	for i := 0; i < 8; i++ {
		m.Append(env("alice", "bob", i))
	}

	got, _ := m.With("alice", "bob", 3)
	if diff := cmp.Diff([]string{"5", "6", "7"}, seqs(got)); diff != "" {
		t.Errorf("With limit mismatch (-want +got):\n%s", diff)
	}

	got, _ = m.With("alice", "carol", 3)
	if len(got) != 0 {
		t.Errorf("expected empty history, got %d", len(got))
	}
}

func TestMemoryPeers(t *testing.T) {
	m := NewMemory(10)
	m.Append(env("alice", "bob", 1))
	m.Append(env("carol", "alice", 2))
	m.Append(env("alice", "bob", 3))
	m.Append(env("bob", "carol", 4))

	peers, _ := m.Peers("alice", 1)
	want := map[string][]string{
		"bob":   {"3"},
		"carol": {"2"},
	}
	got := map[string][]string{}
	for p, envs := range peers {
		got[p] = seqs(envs)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Peers mismatch (-want +got):\n%s", diff)
	}

	peers, _ = m.Peers("dave", 10)
	if len(peers) != 0 {
		t.Errorf("expected no peers, got %v", peers)
	}
}

func TestMemoryReturnsCopy(t *testing.T) {
	m := NewMemory(10)
	m.Append(env("alice", "bob", 1))
	got, _ := m.With("alice", "bob", 0)
	got[0] = nil

	again, _ := m.With("alice", "bob", 0)
	if again[0] == nil {
		t.Error("caller modified the stored history")
	}
}

func TestMemoryConcurrentAppend(t *testing.T) {
	m := NewMemory(DefaultSize)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				m.Append(env("alice", "bob", w*1000+i))
			}
		}(w)
	}
	wg.Wait()

	got, _ := m.With("alice", "bob", 0)
	if len(got) != DefaultSize {
		t.Errorf("expected %d envelopes, got %d", DefaultSize, len(got))
	}
}

func TestOpen(t *testing.T) {
	st, err := Open("", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if mem, ok := st.(*Memory); !ok || mem.size != DefaultSize {
		t.Errorf("expected memory store of default size, got %T", st)
	}

	if _, err := Open("no-such-adapter", 10, nil); err != ErrUnknownAdapter {
		t.Errorf("expected ErrUnknownAdapter, got %v", err)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	Register("memory", func(int, json.RawMessage) (Store, error) { return nil, nil })
}
