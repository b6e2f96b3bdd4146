package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"runtime/debug"
	"sync"
	"testing"
	"time"

	"github.com/asadovsky/coedit/channel"
	"github.com/asadovsky/coedit/common"
	"github.com/asadovsky/coedit/engine"
	"github.com/asadovsky/coedit/ot"
	"github.com/asadovsky/coedit/store"
)

func fatal(t *testing.T, v ...interface{}) {
	debug.PrintStack()
	t.Fatal(v...)
}

func fatalf(t *testing.T, format string, v ...interface{}) {
	debug.PrintStack()
	t.Fatalf(format, v...)
}

func ok(t *testing.T, err error) {
	if err != nil {
		fatal(t, err)
	}
}

func eq(t *testing.T, got, want interface{}) {
	if got != want {
		fatalf(t, "got %v, want %v", got, want)
	}
}

// join attaches a session to a loopback channel, wiring both directions.
func join(t *testing.T, lb *channel.Loopback, s *engine.Session) {
	ep := lb.Join(func(buf []byte) {
		ok(t, s.HandleRaw(buf))
	})
	s.AttachSender(ep)
}

// drain flushes until the channel is idle. Messages queued by handlers during
// delivery wait for the next flush, so a single flush is not always enough.
func drain(lb *channel.Loopback) {
	for lb.Pending() > 0 {
		lb.Flush()
	}
}

// perms returns every ordering of ops.
func perms(ops []ot.Op) [][]ot.Op {
	if len(ops) <= 1 {
		return [][]ot.Op{append([]ot.Op(nil), ops...)}
	}
	var out [][]ot.Op
	for i := range ops {
		rest := make([]ot.Op, 0, len(ops)-1)
		rest = append(rest, ops[:i]...)
		rest = append(rest, ops[i+1:]...)
		for _, p := range perms(rest) {
			out = append(out, append([]ot.Op{ops[i]}, p...))
		}
	}
	return out
}

func TestOptimisticLocalApply(t *testing.T) {
	s := engine.NewSession("doc", "alice", "hello")
	s.Insert(5, "!")
	eq(t, s.Buffer(), "hello!")
	eq(t, s.Version(), uint64(1))
	eq(t, s.PendingLen(), 1)

	s.Delete(0, 1)
	eq(t, s.Buffer(), "ello!")
	eq(t, s.PendingLen(), 2)
}

func TestEchoConfirmsPending(t *testing.T) {
	lb := channel.NewLoopback()
	s := engine.NewSession("doc", "alice", "hello")
	join(t, lb, s)

	s.Insert(5, "!")
	eq(t, s.PendingLen(), 1)
	drain(lb)
	eq(t, s.PendingLen(), 0)
	eq(t, s.Buffer(), "hello!")

	s.Delete(0, 5)
	s.Insert(1, "?")
	eq(t, s.PendingLen(), 2)
	drain(lb)
	eq(t, s.PendingLen(), 0)
	eq(t, s.Buffer(), "!?")
}

func TestConvergenceInsertInsertTie(t *testing.T) {
	lb := channel.NewLoopback()
	alice := engine.NewSession("doc", "alice", "hello")
	bob := engine.NewSession("doc", "bob", "hello")
	carol := engine.NewSession("doc", "carol", "hello")
	join(t, lb, alice)
	join(t, lb, bob)
	join(t, lb, carol)

	alice.Insert(5, "!")
	bob.Insert(5, "?")
	drain(lb)

	// Same offset, concurrent: the smaller actor id keeps the earlier slot on
	// every replica, the observer included.
	eq(t, alice.Buffer(), "hello!?")
	eq(t, bob.Buffer(), "hello!?")
	eq(t, carol.Buffer(), "hello!?")
	eq(t, alice.PendingLen(), 0)
	eq(t, bob.PendingLen(), 0)
}

func TestConvergenceInsertDelete(t *testing.T) {
	lb := channel.NewLoopback()
	alice := engine.NewSession("doc", "alice", "hello")
	bob := engine.NewSession("doc", "bob", "hello")
	carol := engine.NewSession("doc", "carol", "hello")
	join(t, lb, alice)
	join(t, lb, bob)
	join(t, lb, carol)

	alice.Insert(0, ">")
	bob.Delete(4, 1)
	drain(lb)

	eq(t, alice.Buffer(), ">hell")
	eq(t, bob.Buffer(), ">hell")
	eq(t, carol.Buffer(), ">hell")
}

// Two concurrent inserts plus one edit issued after observing the first must
// reconcile to the same text no matter the order a replica receives them in.
func TestConvergenceAcrossReceiveOrders(t *testing.T) {
	ops := []ot.Op{
		{Kind: ot.Insert, Pos: 0, Value: "A", Actor: "alice", Seq: 1, Base: 0},
		{Kind: ot.Insert, Pos: 0, Value: "B", Actor: "bob", Seq: 1, Base: 0},
		{Kind: ot.Insert, Pos: 1, Value: "C", Actor: "carol", Seq: 1, Base: 1},
	}
	for _, p := range perms(ops) {
		obs := engine.NewSession("doc", "dave", "hello")
		for _, op := range p {
			obs.Receive(op)
		}
		if obs.Buffer() != "ABChello" {
			fatalf(t, "order %v: got %q, want %q", p, obs.Buffer(), "ABChello")
		}
	}
}

// Three fully concurrent edits (overlapping deletes and an insert) delivered
// in every possible order.
func TestConvergenceFullyConcurrentOrders(t *testing.T) {
	ops := []ot.Op{
		{Kind: ot.Delete, Pos: 3, Len: 1, Actor: "alice", Seq: 1, Base: 0},
		{Kind: ot.Insert, Pos: 4, Value: "y", Actor: "bob", Seq: 1, Base: 0},
		{Kind: ot.Delete, Pos: 3, Len: 2, Actor: "carol", Seq: 1, Base: 0},
	}
	for _, p := range perms(ops) {
		obs := engine.NewSession("doc", "dave", "abcdef")
		for _, op := range p {
			obs.Receive(op)
		}
		if obs.Buffer() != "abcyf" {
			fatalf(t, "order %v: got %q, want %q", p, obs.Buffer(), "abcyf")
		}
	}
}

func TestConflictDetectedOnBothSides(t *testing.T) {
	lb := channel.NewLoopback()
	alice := engine.NewSession("doc", "alice", "hello")
	bob := engine.NewSession("doc", "bob", "hello")
	carol := engine.NewSession("doc", "carol", "hello")
	join(t, lb, alice)
	join(t, lb, bob)
	join(t, lb, carol)

	alice.Insert(5, "!")
	bob.Insert(5, "?")
	drain(lb)

	for _, s := range []*engine.Session{alice, bob} {
		cs := s.Conflicts()
		if len(cs) != 1 {
			fatalf(t, "%s: got %d conflicts, want 1", s.Actor(), len(cs))
		}
		c := cs[0]
		eq(t, c.Pos, 5)
		eq(t, c.Kind, engine.ConcurrentEdit)
		eq(t, c.Resolved, false)
		eq(t, len(c.Participants), 2)
		eq(t, c.Participants[0], "alice")
		eq(t, c.Participants[1], "bob")
	}
	// The observer contributed no edit and is not a conflict participant.
	eq(t, len(carol.Conflicts()), 0)
}

func conflicted(t *testing.T) (*channel.Loopback, *engine.Session, *engine.Session) {
	lb := channel.NewLoopback()
	alice := engine.NewSession("doc", "alice", "hello")
	bob := engine.NewSession("doc", "bob", "hello")
	join(t, lb, alice)
	join(t, lb, bob)
	alice.Insert(5, "!")
	bob.Insert(5, "?")
	drain(lb)
	return lb, alice, bob
}

func TestResolveKeepLocal(t *testing.T) {
	_, _, bob := conflicted(t)
	cs := bob.Conflicts()
	eq(t, len(cs), 1)
	ok(t, bob.Resolve(cs[0].ID, engine.KeepLocal))
	eq(t, bob.Buffer(), "hello?")
	eq(t, len(bob.Conflicts()), 0)
}

func TestResolveKeepRemote(t *testing.T) {
	_, _, bob := conflicted(t)
	cs := bob.Conflicts()
	eq(t, len(cs), 1)
	ok(t, bob.Resolve(cs[0].ID, engine.KeepRemote))
	eq(t, bob.Buffer(), "hello!")
	eq(t, len(bob.Conflicts()), 0)
}

func TestResolveMergeAndTerminality(t *testing.T) {
	_, alice, _ := conflicted(t)
	cs := alice.Conflicts()
	eq(t, len(cs), 1)
	ok(t, alice.Resolve(cs[0].ID, engine.Merge))
	eq(t, alice.Buffer(), "hello!?")

	// Resolution is terminal.
	if err := alice.Resolve(cs[0].ID, engine.KeepLocal); err == nil {
		fatal(t, "expected error resolving twice")
	}
	if err := alice.Resolve("no-such-id", engine.Merge); err == nil {
		fatal(t, "expected error for unknown conflict id")
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	lb := channel.NewLoopback()
	alice := engine.NewSession("doc", "alice", "hello")
	bob := engine.NewSession("doc", "bob", "hello")
	join(t, lb, alice)
	join(t, lb, bob)

	lb.Duplicate = true
	alice.Insert(5, "!")
	drain(lb)

	eq(t, alice.Buffer(), "hello!")
	eq(t, bob.Buffer(), "hello!")
	eq(t, bob.Version(), uint64(1))
	eq(t, alice.PendingLen(), 0)
}

func TestMalformedRemoteOpsAreClamped(t *testing.T) {
	s := engine.NewSession("doc", "alice", "abc")

	// Delete far past the end: clamped to a no-op, never an error.
	s.Receive(ot.Op{Kind: ot.Delete, Pos: 5, Len: 100, Actor: "bob", Seq: 1, Base: 0})
	eq(t, s.Buffer(), "abc")

	// Negative position: dropped.
	s.Receive(ot.Op{Kind: ot.Insert, Pos: -2, Value: "x", Actor: "bob", Seq: 2, Base: 0})
	eq(t, s.Buffer(), "abc")
}

func TestPendingQueueBounded(t *testing.T) {
	s := engine.NewSession("doc", "alice", "")
	for i := 0; i < 105; i++ {
		s.Insert(0, "x")
	}
	eq(t, s.PendingLen(), 100)
}

func TestAdvisoryLock(t *testing.T) {
	lb := channel.NewLoopback()
	alice := engine.NewSession("doc", "alice", "hello")
	bob := engine.NewSession("doc", "bob", "hello")
	join(t, lb, alice)
	join(t, lb, bob)

	alice.SetLocked(true)
	drain(lb)
	eq(t, alice.LockedBy(), "alice")
	eq(t, bob.LockedBy(), "alice")

	// The lock is advisory: bob can still edit.
	bob.Insert(0, ">")
	eq(t, bob.Buffer(), ">hello")

	alice.SetLocked(false)
	drain(lb)
	eq(t, bob.LockedBy(), "")
}

func TestConflictInsideSelection(t *testing.T) {
	bob := engine.NewSession("doc", "bob", "hello")
	bob.UpdateCursor("alice", 4, &common.Selection{Start: 3, End: 6})
	bob.Insert(4, "x")
	bob.Receive(ot.Op{Kind: ot.Insert, Pos: 4, Value: "y", Actor: "alice", Seq: 1, Base: 0})

	cs := bob.Conflicts()
	eq(t, len(cs), 1)
	eq(t, cs[0].InSelection, true)
}

func TestSnapshotAdoption(t *testing.T) {
	s := engine.NewSession("doc", "alice", "")
	buf, err := json.Marshal(common.Snapshot{Type: "snapshot", DocID: "doc", Text: "stored text"})
	ok(t, err)
	ok(t, s.HandleRaw(buf))
	eq(t, s.Buffer(), "stored text")

	// Once the session has edited, a late snapshot is ignored.
	s.Insert(0, ">")
	ok(t, s.HandleRaw(buf))
	eq(t, s.Buffer(), ">stored text")
}

type stubStore struct {
	mu    sync.Mutex
	saves []string
	fail  bool
}

func (s *stubStore) Save(_ context.Context, _ string, buf string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.saves = append(s.saves, buf)
	return nil
}

func (s *stubStore) Load(context.Context, string) (*store.Record, error) { return nil, nil }
func (s *stubStore) Close() error                                        { return nil }

func (s *stubStore) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func (s *stubStore) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saves) == 0 {
		return ""
	}
	return s.saves[len(s.saves)-1]
}

func TestFlushAndSaveStatus(t *testing.T) {
	st := &stubStore{}
	s := engine.NewSession("doc", "alice", "hello")
	s.AttachStore(st, true)

	s.Insert(5, "!")
	eq(t, s.Status().Dirty, true)
	ok(t, s.Flush())
	eq(t, s.Status().Dirty, false)
	eq(t, st.last(), "hello!")

	// A failed save surfaces on the status badge and never blocks editing.
	st.setFail(true)
	s.Insert(6, "?")
	if err := s.Flush(); err == nil {
		fatal(t, "expected save error")
	}
	status := s.Status()
	eq(t, status.Dirty, true)
	if status.Err == nil {
		fatal(t, "expected status error")
	}
	s.Delete(6, 1)
	eq(t, s.Buffer(), "hello!")

	// The next save clears the error.
	st.setFail(false)
	ok(t, s.Flush())
	eq(t, s.Status().Dirty, false)
	if s.Status().Err != nil {
		fatal(t, "expected status error cleared")
	}
}

func TestAutoSaveDebounce(t *testing.T) {
	st := &stubStore{}
	s := engine.NewSession("doc", "alice", "hello")
	s.AttachStore(st, true)
	s.SetSaveDelay(10 * time.Millisecond)

	s.Insert(5, "!")
	deadline := time.Now().Add(2 * time.Second)
	for s.Status().Dirty {
		if time.Now().After(deadline) {
			fatal(t, "auto-save never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	eq(t, st.last(), "hello!")
}

func TestCloseClearsSessionState(t *testing.T) {
	lb := channel.NewLoopback()
	s := engine.NewSession("doc", "alice", "hello")
	join(t, lb, s)

	s.Insert(5, "!")
	s.Close()
	eq(t, s.PendingLen(), 0)
	eq(t, len(s.Conflicts()), 0)

	// A closed session ignores further deliveries.
	before := s.Buffer()
	s.Receive(ot.Op{Kind: ot.Insert, Pos: 0, Value: "x", Actor: "bob", Seq: 1, Base: 0})
	eq(t, s.Buffer(), before)
}

type sessionLogStore struct {
	stubStore
	logged []store.SessionInfo
}

func (s *sessionLogStore) LogSession(_ context.Context, _ string, info store.SessionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logged = append(s.logged, info)
	return nil
}

func TestCloseLogsSession(t *testing.T) {
	st := &sessionLogStore{}
	s := engine.NewSession("doc", "alice", "hello")
	s.AttachStore(st, false)
	s.Insert(5, "!")
	s.Close()

	st.mu.Lock()
	defer st.mu.Unlock()
	eq(t, len(st.logged), 1)
	eq(t, st.logged[0].Actor, "alice")
	if st.logged[0].EndedAt.Before(st.logged[0].StartedAt) {
		fatal(t, "session ended before it started")
	}
}

func TestRandomizedConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	letters := "abcdefgh"

	lb := channel.NewLoopback()
	sessions := []*engine.Session{
		engine.NewSession("doc", "alice", "the quick brown fox"),
		engine.NewSession("doc", "bob", "the quick brown fox"),
		engine.NewSession("doc", "carol", "the quick brown fox"),
	}
	for _, s := range sessions {
		join(t, lb, s)
	}

	for i := 0; i < 150; i++ {
		s := sessions[rng.Intn(len(sessions))]
		n := len(s.Buffer())
		if rng.Intn(2) == 0 || n == 0 {
			s.Insert(rng.Intn(n+1), string(letters[rng.Intn(len(letters))]))
		} else {
			s.Delete(rng.Intn(n), 1+rng.Intn(3))
		}
		if rng.Intn(4) == 0 {
			// Alternate between in-order delivery, one shared reordering, and
			// an independent reordering per replica.
			switch rng.Intn(3) {
			case 0:
				lb.Flush()
			case 1:
				lb.FlushShuffled(rng)
			default:
				lb.FlushEachOrder(rng)
			}
		}
	}
	drain(lb)

	want := sessions[0].Buffer()
	for _, s := range sessions {
		if s.Buffer() != want {
			fatalf(t, "%s diverged: %q vs %q", s.Actor(), s.Buffer(), want)
		}
		eq(t, s.PendingLen(), 0)
	}
}
