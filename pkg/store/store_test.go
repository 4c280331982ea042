package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/daviddao/peermesh/pkg/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustInsertInstance(t *testing.T, s *Store, id string, load float64, capacity int, seen time.Time) {
	t.Helper()
	err := s.InsertInstance(model.Instance{
		ID:           id,
		Hostname:     "host-" + id,
		Capabilities: []string{"code-review"},
		CurrentLoad:  load,
		MaxCapacity:  capacity,
		LastSeen:     seen,
	})
	if err != nil {
		t.Fatalf("InsertInstance(%s): %v", id, err)
	}
}

// --- Instance tests ---

func TestInsertAndGetInstance(t *testing.T) {
	s := newTestStore(t)
	mustInsertInstance(t, s, "a", 2.5, 10, t0)

	got, err := s.GetInstance("a")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Hostname != "host-a" || got.CurrentLoad != 2.5 || got.MaxCapacity != 10 {
		t.Fatalf("unexpected instance %+v", got)
	}
	if !got.LastSeen.Equal(t0) {
		t.Fatalf("LastSeen = %v, want %v", got.LastSeen, t0)
	}
	if len(got.Capabilities) != 1 || got.Capabilities[0] != "code-review" {
		t.Fatalf("Capabilities = %v", got.Capabilities)
	}
}

func TestGetInstance_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetInstance("ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestInsertInstance_OverwritesExisting(t *testing.T) {
	s := newTestStore(t)
	mustInsertInstance(t, s, "a", 5, 10, t0)
	mustInsertInstance(t, s, "a", 0, 20, t0.Add(time.Minute))

	got, err := s.GetInstance("a")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentLoad != 0 || got.MaxCapacity != 20 {
		t.Fatalf("rejoin did not overwrite: %+v", got)
	}
}

func TestListInstances_OrderedByLoadThenID(t *testing.T) {
	s := newTestStore(t)
	mustInsertInstance(t, s, "c", 1, 10, t0)
	mustInsertInstance(t, s, "b", 3, 10, t0)
	mustInsertInstance(t, s, "a", 1, 10, t0)

	list, err := s.ListInstances()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, inst := range list {
		ids = append(ids, inst.ID)
	}
	if fmt.Sprint(ids) != "[a c b]" {
		t.Fatalf("order = %v, want [a c b]", ids)
	}
}

func TestTouchAndSetLoad(t *testing.T) {
	s := newTestStore(t)
	mustInsertInstance(t, s, "a", 1, 10, t0)

	later := t0.Add(90 * time.Second)
	if ok, err := s.TouchInstance("a", later); err != nil || !ok {
		t.Fatalf("TouchInstance = %v, %v", ok, err)
	}
	if ok, err := s.TouchInstance("ghost", later); err != nil || ok {
		t.Fatalf("TouchInstance(ghost) = %v, %v; want false, nil", ok, err)
	}
	if ok, err := s.SetInstanceLoad("a", 7, later.Add(time.Second)); err != nil || !ok {
		t.Fatalf("SetInstanceLoad = %v, %v", ok, err)
	}

	got, _ := s.GetInstance("a")
	if got.CurrentLoad != 7 || !got.LastSeen.Equal(later.Add(time.Second)) {
		t.Fatalf("after set: %+v", got)
	}
}

func TestAddInstanceLoad_ClampsAtZeroAndKeepsLastSeen(t *testing.T) {
	s := newTestStore(t)
	mustInsertInstance(t, s, "a", 2, 10, t0)

	if ok, err := s.AddInstanceLoad("a", 1); err != nil || !ok {
		t.Fatalf("AddInstanceLoad = %v, %v", ok, err)
	}
	if _, err := s.AddInstanceLoad("a", -10); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetInstance("a")
	if got.CurrentLoad != 0 {
		t.Fatalf("load = %v, want 0", got.CurrentLoad)
	}
	if !got.LastSeen.Equal(t0) {
		t.Fatalf("AddInstanceLoad moved last_seen to %v", got.LastSeen)
	}
}

func TestAddInstanceLoad_ConcurrentProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	s1, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s1.Close()
	s2, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	mustInsertInstance(t, s1, "a", 0, 100, t0)

	const perStore = 25
	var wg sync.WaitGroup
	for _, s := range []*Store{s1, s2} {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			for range perStore {
				if _, err := s.AddInstanceLoad("a", 1); err != nil {
					t.Errorf("AddInstanceLoad: %v", err)
				}
			}
		}(s)
	}
	wg.Wait()

	got, _ := s1.GetInstance("a")
	if got.CurrentLoad != 2*perStore {
		t.Fatalf("load = %v, want %d (lost update)", got.CurrentLoad, 2*perStore)
	}
}

func TestDeleteInstancesSeenBefore(t *testing.T) {
	s := newTestStore(t)
	now := t0.Add(time.Hour)
	mustInsertInstance(t, s, "old", 0, 10, now.Add(-310*time.Second))
	mustInsertInstance(t, s, "fresh", 0, 10, now.Add(-100*time.Second))

	n, err := s.DeleteInstancesSeenBefore(now.Add(-5 * time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, err := s.GetInstance("old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old instance survived: %v", err)
	}
	if _, err := s.GetInstance("fresh"); err != nil {
		t.Fatalf("fresh instance removed: %v", err)
	}
}

func TestTimestampsOrderLexically(t *testing.T) {
	// A whole second and a fractional second must compare correctly as text.
	a := formatTime(t0)
	b := formatTime(t0.Add(500 * time.Millisecond))
	if !(a < b) {
		t.Fatalf("%q should sort before %q", a, b)
	}
	if len(a) != len(b) {
		t.Fatalf("layout is not fixed width: %q vs %q", a, b)
	}
}

func TestDeleteInstanceAndReset(t *testing.T) {
	s := newTestStore(t)
	mustInsertInstance(t, s, "a", 0, 10, t0)
	mustInsertInstance(t, s, "b", 0, 10, t0)

	if ok, _ := s.DeleteInstance("a"); !ok {
		t.Fatal("DeleteInstance(a) = false")
	}
	if ok, _ := s.DeleteInstance("a"); ok {
		t.Fatal("second DeleteInstance(a) = true")
	}

	if err := s.InsertMessage(model.Message{ID: "m1", Sender: "b", Recipient: "x",
		Kind: model.KindStatusUpdate, Timestamp: t0}); err != nil {
		t.Fatal(err)
	}
	if err := s.ResetInstances(); err != nil {
		t.Fatalf("ResetInstances: %v", err)
	}
	list, _ := s.ListInstances()
	if len(list) != 0 {
		t.Fatalf("instances after reset = %d", len(list))
	}
	if s.CountMessages() != 1 {
		t.Fatal("reset must keep messages")
	}
}

// --- Message tests ---

func insertMsg(t *testing.T, s *Store, id, from, to string, ts time.Time, lamport int64) {
	t.Helper()
	err := s.InsertMessage(model.Message{
		ID:        id,
		Sender:    from,
		Recipient: to,
		Kind:      model.KindStatusUpdate,
		Payload:   model.MessagePayload{Text: "hi from " + from},
		Timestamp: ts,
		LamportTS: lamport,
	})
	if err != nil {
		t.Fatalf("InsertMessage(%s): %v", id, err)
	}
}

func TestListMessagesFor_DirectAndBroadcast(t *testing.T) {
	s := newTestStore(t)
	insertMsg(t, s, "m2", "a", "b", t0.Add(2*time.Second), 2)
	insertMsg(t, s, "m1", "a", model.BroadcastRecipient, t0.Add(time.Second), 1)
	insertMsg(t, s, "m3", "a", "c", t0.Add(3*time.Second), 3)

	msgs, err := s.ListMessagesFor("b", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("got %v, want [m1 m2] in time order", msgs)
	}
	if msgs[1].Payload.Text != "hi from a" {
		t.Fatalf("payload not decoded: %+v", msgs[1].Payload)
	}
}

func TestListMessagesFor_TieBrokenByLamport(t *testing.T) {
	s := newTestStore(t)
	insertMsg(t, s, "z", "a", "b", t0, 1)
	insertMsg(t, s, "y", "a", "b", t0, 2)

	msgs, _ := s.ListMessagesFor("b", false)
	if len(msgs) != 2 || msgs[0].ID != "z" {
		t.Fatalf("got %v, want z first by lamport stamp", msgs)
	}
}

func TestMarkRead_BroadcastIsPerRecipient(t *testing.T) {
	s := newTestStore(t)
	insertMsg(t, s, "bc", "a", model.BroadcastRecipient, t0, 1)
	insertMsg(t, s, "dm", "a", "b", t0.Add(time.Second), 2)

	unread, _ := s.ListMessagesFor("b", true)
	if len(unread) != 2 {
		t.Fatalf("b unread = %d, want 2", len(unread))
	}
	if err := s.MarkRead("b", unread, t0.Add(time.Minute)); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	if again, _ := s.ListMessagesFor("b", true); len(again) != 0 {
		t.Fatalf("b still has %d unread", len(again))
	}
	forC, _ := s.ListMessagesFor("c", true)
	if len(forC) != 1 || forC[0].ID != "bc" {
		t.Fatalf("c should still see the broadcast unread, got %v", forC)
	}
	all, _ := s.ListMessagesFor("b", false)
	for _, m := range all {
		if !m.Read {
			t.Fatalf("message %s not read from b's view", m.ID)
		}
	}
}

func TestAckMessage(t *testing.T) {
	s := newTestStore(t)
	insertMsg(t, s, "m1", "a", "b", t0, 1)

	at := t0.Add(time.Minute)
	if ok, err := s.AckMessage("m1", "b", at); err != nil || !ok {
		t.Fatalf("AckMessage = %v, %v", ok, err)
	}
	if ok, _ := s.AckMessage("ghost", "b", at); ok {
		t.Fatal("ack of unknown message reported success")
	}

	m, err := s.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Acknowledged || m.AcknowledgedBy != "b" || m.AcknowledgedAt == nil || !m.AcknowledgedAt.Equal(at) {
		t.Fatalf("ack not stored: %+v", m)
	}
	if _, err := s.GetMessage("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetMessage(ghost) err = %v", err)
	}
}

func TestMaxLamport(t *testing.T) {
	s := newTestStore(t)
	if s.MaxLamport() != 0 {
		t.Fatal("empty log should have MaxLamport 0")
	}
	insertMsg(t, s, "m1", "a", "b", t0, 7)
	insertMsg(t, s, "m2", "a", "b", t0, 3)
	if got := s.MaxLamport(); got != 7 {
		t.Fatalf("MaxLamport = %d, want 7", got)
	}
}

// --- Task lock tests ---

func TestAcquireTaskLock(t *testing.T) {
	s := newTestStore(t)
	meta := map[string]string{"file": "main.go"}

	lock, conflict, err := s.AcquireTaskLock("t1", "alice", meta, time.Hour, t0)
	if err != nil || conflict != nil {
		t.Fatalf("acquire = %v, %v", conflict, err)
	}
	if lock.Metadata["file"] != "main.go" || !lock.ExpiresAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected lock %+v", lock)
	}

	_, conflict, err = s.AcquireTaskLock("t1", "bob", nil, time.Hour, t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if conflict == nil || conflict.Holder != "alice" {
		t.Fatalf("bob should be denied by alice, got %+v", conflict)
	}

	// Re-entrant for the same holder; refreshes expiry.
	again, conflict, err := s.AcquireTaskLock("t1", "alice", meta, time.Hour, t0.Add(time.Minute))
	if err != nil || conflict != nil {
		t.Fatalf("re-acquire = %v, %v", conflict, err)
	}
	if !again.ExpiresAt.Equal(t0.Add(time.Minute + time.Hour)) {
		t.Fatalf("expiry not refreshed: %v", again.ExpiresAt)
	}
}

func TestAcquireTaskLock_ExpiredLeaseIsTaken(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.AcquireTaskLock("t1", "alice", nil, time.Minute, t0); err != nil {
		t.Fatal(err)
	}
	lock, conflict, err := s.AcquireTaskLock("t1", "bob", nil, time.Minute, t0.Add(2*time.Minute))
	if err != nil || conflict != nil {
		t.Fatalf("bob should take the expired lease: %v, %v", conflict, err)
	}
	if lock.Holder != "bob" {
		t.Fatalf("holder = %s", lock.Holder)
	}
}

func TestAcquireTaskLock_RaceGrantsOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	var stores []*Store
	for range 4 {
		s, err := New(path)
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()
		stores = append(stores, s)
	}

	var mu sync.Mutex
	granted := 0
	var wg sync.WaitGroup
	for i, s := range stores {
		wg.Add(1)
		go func(holder string, s *Store) {
			defer wg.Done()
			lock, _, err := s.AcquireTaskLock("contended", holder, nil, time.Hour, t0)
			if err != nil {
				// Contention that outlasts the retry budget is not a grant.
				return
			}
			if lock != nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(fmt.Sprintf("agent-%d", i), s)
	}
	wg.Wait()

	if granted != 1 {
		t.Fatalf("granted %d locks, want exactly 1", granted)
	}
}

func TestReleaseAndListTaskLocks(t *testing.T) {
	s := newTestStore(t)
	s.AcquireTaskLock("t1", "alice", nil, time.Hour, t0)
	s.AcquireTaskLock("t2", "alice", nil, time.Hour, t0.Add(time.Second))
	s.AcquireTaskLock("t3", "bob", nil, time.Hour, t0)

	mine, err := s.ListTaskLocksForHolder("alice", t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 2 || mine[0].TaskID != "t1" {
		t.Fatalf("alice locks = %v", mine)
	}

	if ok, _ := s.ReleaseTaskLock("t3", "alice"); ok {
		t.Fatal("alice released bob's lock")
	}
	if ok, _ := s.ReleaseTaskLock("t1", "alice"); !ok {
		t.Fatal("alice could not release t1")
	}

	all, _ := s.ListTaskLocks(t0.Add(time.Minute))
	if len(all) != 2 {
		t.Fatalf("locks = %d, want 2", len(all))
	}
	if expired, _ := s.ListTaskLocks(t0.Add(2 * time.Hour)); len(expired) != 0 {
		t.Fatalf("expired locks listed: %v", expired)
	}
}

// --- Maintenance tests ---

func TestIntegrityCheck_Healthy(t *testing.T) {
	s := newTestStore(t)
	if err := s.IntegrityCheck(); err != nil {
		t.Fatalf("IntegrityCheck on fresh db: %v", err)
	}
}

func TestRecreate_FromGarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.db")
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	mustInsertInstance(t, s, "a", 0, 10, t0)

	if err := s.Recreate(); err != nil {
		t.Fatalf("Recreate: %v", err)
	}
	list, err := s.ListInstances()
	if err != nil {
		t.Fatalf("ListInstances after Recreate: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("recreated store has %d instances", len(list))
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file missing after Recreate: %v", err)
	}
}

func TestNew_GarbageFileIsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.db")
	junk := make([]byte, 8192)
	for i := range junk {
		junk[i] = byte(i*7 + 3)
	}
	if err := os.WriteFile(path, junk, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := New(path)
	if err == nil {
		t.Fatal("opening a garbage file should fail")
	}
	if !IsCorruption(err) {
		t.Fatalf("error not classified as corruption: %v", err)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.db")
	for _, p := range []string{path, path + "-wal"} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s still present (err %v)", p, err)
		}
	}
	if err := Remove(path); err != nil {
		t.Fatalf("Remove of missing files: %v", err)
	}
}
