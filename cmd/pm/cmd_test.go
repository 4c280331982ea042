package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/daviddao/peermesh/pkg/config"
	"github.com/daviddao/peermesh/pkg/model"
)

// --- helpers ---

// testEnv isolates a test from the caller's config file, environment and
// working directory, and returns a fresh database path.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("PEERMESH_LOGGING_DIR", filepath.Join(dir, "logs"))
	t.Setenv("PEERMESH_AGENT_ID", "")
	return filepath.Join(dir, "shared", "peermesh.db")
}

// pm runs the CLI against db and returns stdout, stderr and the exit code.
func pm(t *testing.T, db string, args ...string) (string, string, int) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(append([]string{"--db", db}, args...), &out, &errOut)
	return out.String(), errOut.String(), code
}

// pmJSON runs the CLI with --json, requires success and decodes stdout.
func pmJSON(t *testing.T, db string, v any, args ...string) {
	t.Helper()
	out, errOut, code := pm(t, db, append(args, "--json")...)
	if code != 0 {
		t.Fatalf("pm %v: exit %d\nstdout: %s\nstderr: %s", args, code, out, errOut)
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("pm %v: decode %q: %v", args, out, err)
	}
}

func register(t *testing.T, db string, args ...string) string {
	t.Helper()
	var inst model.Instance
	pmJSON(t, db, &inst, append([]string{"register"}, args...)...)
	if inst.ID == "" {
		t.Fatal("register returned no id")
	}
	return inst.ID
}

type recvResult struct {
	Messages []model.Message `json:"messages"`
	Count    int             `json:"count"`
}

// --- resolveAgent tests ---

func TestResolveAgent_ArgValue(t *testing.T) {
	a := &app{agentID: "env-agent"}
	got, err := a.resolveAgent("arg-agent")
	if err != nil || got != "arg-agent" {
		t.Fatalf("resolveAgent with arg: got %q, err=%v", got, err)
	}
}

func TestResolveAgent_DefaultFallback(t *testing.T) {
	a := &app{agentID: "env-agent"}
	got, err := a.resolveAgent("")
	if err != nil || got != "env-agent" {
		t.Fatalf("resolveAgent with default: got %q, err=%v", got, err)
	}
}

func TestResolveAgent_NoAgent(t *testing.T) {
	a := &app{}
	if _, err := a.resolveAgent(""); err == nil {
		t.Fatal("resolveAgent with no agent should return error")
	}
}

// --- resolveRecipients tests ---

func TestResolveRecipients_CommaSeparated(t *testing.T) {
	r, broadcast, err := resolveRecipients(" alice, bob ,,charlie")
	if err != nil || broadcast {
		t.Fatalf("resolveRecipients: broadcast=%v err=%v", broadcast, err)
	}
	if len(r) != 3 || r[0] != "alice" || r[1] != "bob" || r[2] != "charlie" {
		t.Fatalf("resolveRecipients: got %v", r)
	}
}

func TestResolveRecipients_Broadcast(t *testing.T) {
	for _, to := range []string{"all", "ALL", "*"} {
		r, broadcast, err := resolveRecipients(to)
		if err != nil || !broadcast || r != nil {
			t.Fatalf("resolveRecipients(%q): got %v broadcast=%v err=%v", to, r, broadcast, err)
		}
	}
}

func TestResolveRecipients_Empty(t *testing.T) {
	if _, _, err := resolveRecipients(" , "); err == nil {
		t.Fatal("resolveRecipients with no ids should return error")
	}
}

// --- filterByFrom tests ---

func TestFilterByFrom_PreservesOrder(t *testing.T) {
	msgs := []model.Message{
		{Sender: "alice", LamportTS: 1},
		{Sender: "bob", LamportTS: 2},
		{Sender: "alice", LamportTS: 5},
	}
	got := filterByFrom(msgs, "alice")
	if len(got) != 2 || got[0].LamportTS != 1 || got[1].LamportTS != 5 {
		t.Fatalf("filterByFrom(alice): got %+v", got)
	}
	if len(filterByFrom(nil, "alice")) != 0 {
		t.Fatal("filterByFrom on nil should return empty")
	}
}

// --- presence tests ---

func TestAgentPresence(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	timeout := 5 * time.Minute
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{0, "online"},
		{119 * time.Second, "online"},
		{2 * time.Minute, "idle"},
		{5 * time.Minute, "idle"},
		{5*time.Minute + time.Second, "offline"},
	}
	for _, tt := range tests {
		inst := model.Instance{LastSeen: now.Add(-tt.ago)}
		if got := agentPresence(inst, now, timeout); got != tt.want {
			t.Errorf("agentPresence(%s ago) = %q, want %q", tt.ago, got, tt.want)
		}
	}
}

func TestPresenceIndicator(t *testing.T) {
	for presence, want := range map[string]string{
		"online": "[+]", "idle": "[~]", "offline": "[-]", "unknown": "[-]",
	} {
		if got := presenceIndicator(presence); !strings.Contains(got, want) {
			t.Errorf("presenceIndicator(%q) = %q, want it to contain %q", presence, got, want)
		}
	}
}

// --- printInbox tests ---

func TestPrintInbox_Empty(t *testing.T) {
	var buf bytes.Buffer
	if n := printInbox(&buf, nil); n != 0 || buf.Len() != 0 {
		t.Fatalf("printInbox(nil): n=%d output=%q", n, buf.String())
	}
}

func TestPrintInbox_Truncation(t *testing.T) {
	var buf bytes.Buffer
	msgs := []model.Message{
		{Sender: "a", Recipient: "b", Kind: model.KindStatusUpdate, LamportTS: 3,
			Payload: model.MessagePayload{Text: strings.Repeat("x", 300)}},
		{Sender: "a", Recipient: model.BroadcastRecipient, Kind: model.KindTaskHandoff, LamportTS: 4,
			Payload: model.MessagePayload{Handoff: &model.HandoffPayload{TaskID: "t1", Reason: "leaving"}}},
	}
	if n := printInbox(&buf, msgs); n != 2 {
		t.Fatalf("printInbox: got %d, want 2", n)
	}
	out := buf.String()
	if !strings.Contains(out, "2 unread message(s)") {
		t.Fatalf("missing header: %q", out)
	}
	if strings.Contains(out, strings.Repeat("x", 200)) || !strings.Contains(out, "...") {
		t.Fatal("long message should be truncated")
	}
	if !strings.Contains(out, "a -> all (task-handoff): handoff t1: leaving") {
		t.Fatalf("broadcast handoff not summarized: %q", out)
	}
}

// --- AGENTS.md tests ---

func TestInjectAgentsSection_NewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "AGENTS.md")
	var buf bytes.Buffer
	if err := injectAgentsSection(&buf, path); err != nil {
		t.Fatalf("inject: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), "# Agent Instructions") || !strings.Contains(string(data), agentsBeginMarker) {
		t.Fatalf("new AGENTS.md content: %q", data)
	}
	if !strings.Contains(buf.String(), "created") {
		t.Fatalf("output: %q", buf.String())
	}
}

func TestInjectAgentsSection_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "AGENTS.md")
	os.WriteFile(path, []byte("# Rules\nbe nice"), 0o644)

	var buf bytes.Buffer
	for range 3 {
		if err := injectAgentsSection(&buf, path); err != nil {
			t.Fatalf("inject: %v", err)
		}
	}
	data, _ := os.ReadFile(path)
	text := string(data)
	if strings.Count(text, agentsBeginMarker) != 1 {
		t.Fatalf("section should appear once, got %d", strings.Count(text, agentsBeginMarker))
	}
	if !strings.HasPrefix(text, "# Rules\nbe nice\n") {
		t.Fatalf("existing content must be kept: %q", text)
	}
}

// --- command tests ---

func TestInit_CreatesDatabaseAndConfig(t *testing.T) {
	db := testEnv(t)
	cfgPath := filepath.Join(filepath.Dir(db), "..", "peermesh.yaml")

	out, errOut, code := pm(t, db, "init", "--skip-agents-md", "--write-config", cfgPath)
	if code != 0 {
		t.Fatalf("init: exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "initialized peermesh") {
		t.Fatalf("init output: %q", out)
	}
	if _, err := os.Stat(db); err != nil {
		t.Fatalf("database not created: %v", err)
	}
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	var cfg config.Config
	pmJSON(t, db, &cfg, "config", "show", "--config", cfgPath)
	if cfg.Store.Path != db {
		t.Fatalf("--db should win over the file: got %q", cfg.Store.Path)
	}
}

func TestSubmit_RoutesToLeastLoaded(t *testing.T) {
	db := testEnv(t)
	lightID := register(t, db, "--cap", "file-edit", "--load", "2")
	busyID := register(t, db, "--cap", "file-edit", "--load", "8")

	var res struct {
		Instance model.Instance `json:"instance"`
		Notified bool           `json:"notified"`
	}
	pmJSON(t, db, &res, "submit", "--agent", busyID,
		"--type", "file-edit", "--file", "main.go", "--start", "1", "--end", "20", "--load", "1")
	if res.Instance.ID != lightID {
		t.Fatalf("assigned to %s, want %s", res.Instance.ID, lightID)
	}
	if res.Instance.CurrentLoad != 3 || !res.Notified {
		t.Fatalf("assignment: load=%g notified=%v, want 3/true", res.Instance.CurrentLoad, res.Notified)
	}

	var inbox recvResult
	pmJSON(t, db, &inbox, "recv", "--agent", lightID)
	if inbox.Count != 1 || inbox.Messages[0].Kind != model.KindTaskRequest || inbox.Messages[0].Sender != busyID {
		t.Fatalf("light instance inbox: %+v", inbox)
	}
	pmJSON(t, db, &inbox, "recv", "--agent", lightID)
	if inbox.Count != 0 {
		t.Fatalf("second recv should be empty, got %d", inbox.Count)
	}
}

func TestSubmit_NoInstances(t *testing.T) {
	db := testEnv(t)
	_, errOut, code := pm(t, db, "submit", "--agent", "ghost", "--type", "test-suite")
	if code != 1 || !strings.Contains(errOut, "register") {
		t.Fatalf("submit unregistered: exit %d, stderr %q", code, errOut)
	}
}

func TestLock_DenyAndRelease(t *testing.T) {
	db := testEnv(t)

	if _, errOut, code := pm(t, db, "lock", "task-1", "--agent", "alice"); code != 0 {
		t.Fatalf("alice lock: exit %d: %s", code, errOut)
	}
	out, _, code := pm(t, db, "lock", "task-1", "--agent", "bob")
	if code != 2 {
		t.Fatalf("bob lock: exit %d, want 2", code)
	}
	if !strings.Contains(out, "DENIED: alice holds task-1") {
		t.Fatalf("denial output: %q", out)
	}

	out, _, _ = pm(t, db, "unlock", "task-1", "--agent", "bob")
	if !strings.Contains(out, "was not locked by bob") {
		t.Fatalf("non-holder unlock: %q", out)
	}
	if _, _, code := pm(t, db, "unlock", "task-1", "--agent", "alice"); code != 0 {
		t.Fatalf("alice unlock: exit %d", code)
	}
	if _, _, code := pm(t, db, "lock", "task-1", "--agent", "bob"); code != 0 {
		t.Fatalf("bob lock after release: exit %d", code)
	}

	var locks []model.TaskLock
	pmJSON(t, db, &locks, "locks")
	if len(locks) != 1 || locks[0].Holder != "bob" {
		t.Fatalf("locks: %+v", locks)
	}
}

func TestSubmit_LockDeniedDistributesNothing(t *testing.T) {
	db := testEnv(t)
	self := register(t, db, "--cap", "file-edit")
	if _, _, code := pm(t, db, "lock", "edit-1", "--agent", "someone-else"); code != 0 {
		t.Fatal("setup lock failed")
	}

	out, _, code := pm(t, db, "submit", "--agent", self, "--id", "edit-1",
		"--type", "file-edit", "--file", "a.go", "--lock")
	if code != 2 || !strings.Contains(out, "DENIED: someone-else holds edit-1") {
		t.Fatalf("submit with held lock: exit %d, out %q", code, out)
	}

	var instances []model.Instance
	pmJSON(t, db, &instances, "discover")
	if len(instances) != 1 || instances[0].CurrentLoad != 0 {
		t.Fatalf("denied submit must not add load: %+v", instances)
	}
}

func TestBroadcast_ReadPerRecipient(t *testing.T) {
	db := testEnv(t)
	if _, errOut, code := pm(t, db, "send", "all", "--agent", "alice", "deploy", "at", "noon"); code != 0 {
		t.Fatalf("broadcast: exit %d: %s", code, errOut)
	}

	var inbox recvResult
	pmJSON(t, db, &inbox, "recv", "--agent", "bob")
	if inbox.Count != 1 || inbox.Messages[0].Payload.Text != "deploy at noon" {
		t.Fatalf("bob inbox: %+v", inbox)
	}
	pmJSON(t, db, &inbox, "recv", "--agent", "carol", "--peek")
	if inbox.Count != 1 {
		t.Fatalf("bob reading must not mark carol's copy: %+v", inbox)
	}
	pmJSON(t, db, &inbox, "recv", "--agent", "bob")
	if inbox.Count != 0 {
		t.Fatalf("bob second recv: %+v", inbox)
	}
}

func TestSend_InvalidPayload(t *testing.T) {
	db := testEnv(t)
	_, errOut, code := pm(t, db, "send", "bob", "--agent", "alice", "--kind", "task-handoff")
	if code != 1 || !strings.Contains(errOut, "invalid payload") {
		t.Fatalf("handoff without task: exit %d, stderr %q", code, errOut)
	}
}

func TestAck_Status(t *testing.T) {
	db := testEnv(t)
	var sent struct {
		MessageIDs []string `json:"message_ids"`
	}
	pmJSON(t, db, &sent, "send", "bob", "--agent", "alice", "ping")
	if len(sent.MessageIDs) != 1 {
		t.Fatalf("send: %+v", sent)
	}
	id := sent.MessageIDs[0]

	var st model.AckStatus
	pmJSON(t, db, &st, "ack-status", id)
	if st.Acknowledged {
		t.Fatal("fresh message should not be acknowledged")
	}
	if _, _, code := pm(t, db, "ack", id, "--agent", "bob"); code != 0 {
		t.Fatalf("ack: exit %d", code)
	}
	pmJSON(t, db, &st, "ack-status", id)
	if !st.Acknowledged || st.By != "bob" || st.At == nil {
		t.Fatalf("ack status: %+v", st)
	}
	if _, _, code := pm(t, db, "ack", "missing", "--agent", "bob"); code != 1 {
		t.Fatalf("ack unknown id: exit %d, want 1", code)
	}
}

func TestWatch_PrintsAndAcknowledges(t *testing.T) {
	db := testEnv(t)
	if _, _, code := pm(t, db, "send", "bob", "--agent", "alice", "hello", "bob"); code != 0 {
		t.Fatal("send failed")
	}

	out, errOut, code := pm(t, db, "watch", "--agent", "bob", "--interval", "20ms", "--timeout", "300ms")
	if code != 0 {
		t.Fatalf("watch: exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "alice -> bob (status-update): hello bob") {
		t.Fatalf("watch output: %q", out)
	}

	var inbox recvResult
	pmJSON(t, db, &inbox, "recv", "--agent", "bob")
	if inbox.Count != 0 {
		t.Fatalf("watched message should be read, got %d unread", inbox.Count)
	}
}

func TestDeregister_ReleasesLocks(t *testing.T) {
	db := testEnv(t)
	id := register(t, db)
	if _, _, code := pm(t, db, "lock", "t1", "--agent", id); code != 0 {
		t.Fatal("lock failed")
	}
	if _, errOut, code := pm(t, db, "deregister", "--agent", id); code != 0 {
		t.Fatalf("deregister: exit %d: %s", code, errOut)
	}

	var locks []model.TaskLock
	pmJSON(t, db, &locks, "locks")
	if len(locks) != 0 {
		t.Fatalf("locks after deregister: %+v", locks)
	}
	var instances []model.Instance
	pmJSON(t, db, &instances, "discover", "--stale")
	if len(instances) != 0 {
		t.Fatalf("instances after deregister: %+v", instances)
	}
}

func TestLoadAndHealth(t *testing.T) {
	db := testEnv(t)
	id := register(t, db, "--max", "10")

	var inst model.Instance
	pmJSON(t, db, &inst, "load", "4", "--agent", id)
	if inst.CurrentLoad != 4 {
		t.Fatalf("load: got %g", inst.CurrentLoad)
	}
	out, errOut, code := pm(t, db, "load", "--add", "--agent", id, "--json", "--", "-10")
	if code != 0 {
		t.Fatalf("load --add: exit %d: %s", code, errOut)
	}
	if err := json.Unmarshal([]byte(out), &inst); err != nil || inst.CurrentLoad != 0 {
		t.Fatalf("load --add clamps at zero: got %g (err %v)", inst.CurrentLoad, err)
	}

	pmJSON(t, db, &inst, "load", "9", "--agent", id)
	var h model.HealthReport
	pmJSON(t, db, &h, "health")
	if h.InstanceCount != 1 || h.HealthyCount != 0 || h.LoadPercentage != 90 {
		t.Fatalf("health: %+v", h)
	}
}

func TestCheckAndRecover_CorruptFile(t *testing.T) {
	db := testEnv(t)
	os.MkdirAll(filepath.Dir(db), 0o755)
	if err := os.WriteFile(db, bytes.Repeat([]byte("not a database "), 512), 0o644); err != nil {
		t.Fatal(err)
	}

	_, errOut, code := pm(t, db, "check")
	if code != 1 || !strings.Contains(errOut, "recover") {
		t.Fatalf("check corrupt: exit %d, stderr %q", code, errOut)
	}
	if _, _, code := pm(t, db, "recover"); code != 1 {
		t.Fatal("recover without --yes must refuse")
	}
	if _, errOut, code := pm(t, db, "recover", "--yes"); code != 0 {
		t.Fatalf("recover: exit %d: %s", code, errOut)
	}
	if out, _, code := pm(t, db, "check"); code != 0 || !strings.Contains(out, "database ok") {
		t.Fatalf("check after recover: exit %d, %q", code, out)
	}
}

func TestConflictResolve(t *testing.T) {
	db := testEnv(t)
	dir := t.TempDir()
	write := func(name string, item model.WorkItem) string {
		p := filepath.Join(dir, name)
		b, _ := json.Marshal(item)
		os.WriteFile(p, b, 0o644)
		return p
	}
	edit := func(id string, prio, start, end int) model.WorkItem {
		return model.WorkItem{ID: id, Type: model.TypeFileEdit, Priority: prio,
			Payload: model.Payload{FileEdit: &model.FileEdit{Path: "a.go", StartLine: model.Line(start), EndLine: model.Line(end)}}}
	}
	a := write("a.json", edit("low", 3, 1, 10))
	b := write("b.json", edit("high", 5, 5, 15))
	c := write("c.json", edit("apart", 9, 50, 60))

	var res struct {
		Conflict   bool              `json:"conflict"`
		Resolution *model.Resolution `json:"resolution"`
	}
	pmJSON(t, db, &res, "conflict", "resolve", a, b)
	if !res.Conflict || res.Resolution.Winner.ID != "high" || res.Resolution.Conflict.Kind != model.ConflictFileRange {
		t.Fatalf("resolve: %+v", res)
	}

	out, _, code := pm(t, db, "conflict", "detect", a, c)
	if code != 0 || !strings.Contains(out, "no conflict") {
		t.Fatalf("detect disjoint ranges: exit %d, %q", code, out)
	}

	ta := write("ta.json", model.WorkItem{ID: "u", Type: model.TypeTestSuite, Priority: 1, EstimatedLoad: 1,
		Payload: model.Payload{Tests: []string{"a", "b"}}})
	tb := write("tb.json", model.WorkItem{ID: "v", Type: model.TypeTestSuite, Priority: 4, EstimatedLoad: 2,
		Payload: model.Payload{Tests: []string{"c"}}})
	var merged model.WorkItem
	pmJSON(t, db, &merged, "conflict", "merge", ta, tb)
	if merged.Priority != 4 || merged.EstimatedLoad != 3 || strings.Join(merged.Payload.Tests, ",") != "a,b,c" {
		t.Fatalf("merge: %+v", merged)
	}
	if _, _, code := pm(t, db, "conflict", "merge", a, b); code != 1 {
		t.Fatal("merging file-edit items must fail")
	}
}

func TestRebalanceAndStatus(t *testing.T) {
	db := testEnv(t)
	hot := register(t, db, "--load", "10")
	cold := register(t, db, "--load", "0")
	register(t, db, "--load", "2")

	var plan model.RebalancePlan
	pmJSON(t, db, &plan, "rebalance")
	if len(plan.Moves) != 1 || plan.Moves[0].From != hot || plan.Moves[0].To != cold {
		t.Fatalf("rebalance: %+v", plan)
	}

	out, errOut, code := pm(t, db, "status", "--agent", hot)
	if code != 0 {
		t.Fatalf("status: exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "<-- you") || !strings.Contains(out, "[+]") || !strings.Contains(out, "locks: none") {
		t.Fatalf("status output: %q", out)
	}
}

func TestHandoff_NoPeers(t *testing.T) {
	db := testEnv(t)
	id := register(t, db)
	var res struct {
		Status string `json:"status"`
	}
	pmJSON(t, db, &res, "handoff", "t1", "--agent", id)
	if res.Status != "no-peers" {
		t.Fatalf("handoff alone: %+v", res)
	}

	peer := register(t, db)
	var sent struct {
		Status         string `json:"status"`
		TargetInstance string `json:"target_instance"`
	}
	pmJSON(t, db, &sent, "handoff", "t1", "--agent", id, "--reason", "leaving")
	if sent.Status != "sent" || sent.TargetInstance != peer {
		t.Fatalf("handoff to peer: %+v", sent)
	}
}
