package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/autopatch/internal/applier"
	"github.com/fentz26/autopatch/internal/audit"
	"github.com/fentz26/autopatch/internal/config"
	"github.com/fentz26/autopatch/internal/executor"
	"github.com/fentz26/autopatch/internal/fetch"
	"github.com/fentz26/autopatch/internal/logging"
	"github.com/fentz26/autopatch/internal/metrics"
	"github.com/fentz26/autopatch/internal/models"
	"github.com/fentz26/autopatch/internal/snapshot"
	"github.com/fentz26/autopatch/internal/store"
	"github.com/fentz26/autopatch/internal/tree"
	"github.com/fentz26/autopatch/internal/validator"
)

const mainGo = "package main\n\nfunc main() {}\n"

type harness struct {
	eng     *Engine
	tree    *tree.Tree
	snaps   *snapshot.Store
	store   *store.Store
	snapDir string
	initial string
}

type harnessOpts struct {
	reloader applier.Reloader
	prober   Prober
	fetcher  Fetcher
	opts     Options
}

func newHarness(t *testing.T, ho harnessOpts) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("engine tests use sh")
	}
	root := t.TempDir()
	for p, content := range map[string]string{
		"main.go":         mainGo,
		"safety/guard.go": "package safety\n",
		"blocker":         "a plain file\n",
	} {
		full := filepath.Join(root, filepath.FromSlash(p))
		os.MkdirAll(filepath.Dir(full), 0o755)
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	log := logging.NewNop()
	tr, err := tree.New(root, nil, []string{".git/**"})
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.New(filepath.Join(t.TempDir(), "autopatch.db"))
	if err != nil {
		t.Fatal(err)
	}
	snapDir := filepath.Join(t.TempDir(), "snapshots")
	snaps, err := snapshot.New(snapDir, tr, st, log)
	if err != nil {
		t.Fatal(err)
	}
	exec := executor.New(config.DefaultConfig().Exec, st, log)

	fetcher := ho.fetcher
	if fetcher == nil {
		fetcher = fetch.New(tr, exec, log)
	}
	opts := ho.opts
	if opts.FetchRetries == 0 {
		opts.FetchRetries = 1
	}
	if opts.Retention == 0 {
		opts.Retention = 10
	}
	if opts.HistorySize == 0 {
		opts.HistorySize = 64
	}

	eng := New(Deps{
		Tree:      tr,
		Fetcher:   fetcher,
		Validator: validator.New(tr, validator.Config{ProtectedPaths: []string{"safety/**"}}, exec, log),
		Snapshots: snaps,
		Applier:   applier.New(tr, ho.reloader, log),
		Prober:    ho.prober,
		Executor:  exec,
		Tickets:   st,
		Audit:     audit.NewPDRWriter(st, log),
		Metrics:   metrics.New(),
		Log:       log,
	}, opts)

	t.Cleanup(func() { st.Close() })
	t.Cleanup(eng.Wait)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return &harness{eng: eng, tree: tr, snaps: snaps, store: st, snapDir: snapDir, initial: eng.Status().CurrentSnapshotID}
}

func (h *harness) files(t *testing.T) map[string][]byte {
	t.Helper()
	files, err := h.tree.Files()
	if err != nil {
		t.Fatal(err)
	}
	return files
}

func (h *harness) update(t *testing.T, desc models.SourceDescriptor, opts UpdateOptions) *models.Ticket {
	t.Helper()
	ticket, err := h.eng.RequestUpdate(desc, opts)
	if err != nil {
		t.Fatalf("RequestUpdate failed: %v", err)
	}
	return waitTicket(t, h.eng, ticket.ID)
}

func waitTicket(t *testing.T, e *Engine, id string) *models.Ticket {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		tk, err := e.Ticket(id)
		if err == nil && tk.Done() {
			e.Wait()
			return tk
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ticket %s did not finish", id)
	return nil
}

type change struct {
	Path    string `json:"path"`
	Kind    string `json:"kind,omitempty"`
	Content string `json:"content,omitempty"`
}

func inline(changes ...change) models.SourceDescriptor {
	data, _ := json.Marshal(map[string]any{"changes": changes})
	return models.SourceDescriptor{Kind: models.SourceInline, Locator: string(data)}
}

func activeCount(t *testing.T, snaps *snapshot.Store) int {
	t.Helper()
	list, err := snaps.List()
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, s := range list {
		if s.Status == models.SnapshotActive {
			n++
		}
	}
	return n
}

func TestUpdateAddsFile(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	before := h.eng.Status().CurrentSnapshotID

	tk := h.update(t, inline(change{Path: "foo.py", Content: "print('hi')\n"}), UpdateOptions{})
	if tk.Outcome != models.OutcomeApplied {
		t.Fatalf("outcome = %s (%s)", tk.Outcome, tk.Message)
	}

	st := h.eng.Status()
	if st.Phase != models.PhaseIdle {
		t.Errorf("phase = %s, want IDLE", st.Phase)
	}
	if st.CurrentSnapshotID == before || st.CurrentSnapshotID != tk.SnapshotID {
		t.Errorf("current snapshot %s should be new and match ticket %s", st.CurrentSnapshotID, tk.SnapshotID)
	}
	if n := activeCount(t, h.snaps); n != 1 {
		t.Errorf("expected exactly one active snapshot, got %d", n)
	}
	snap, err := h.snaps.Load(st.CurrentSnapshotID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(snap.Files["foo.py"]) != "print('hi')\n" {
		t.Error("active snapshot should contain foo.py")
	}

	want := []models.Phase{
		models.PhaseIdle, models.PhaseFetching, models.PhaseValidating, models.PhaseSnapshotting,
		models.PhaseApplying, models.PhaseVerifying, models.PhaseIdle,
	}
	var got []models.Phase
	for i, tr := range st.History {
		if i == 0 {
			got = append(got, tr.From)
		}
		got = append(got, tr.To)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("phases = %v, want %v", got, want)
	}
}

func TestProtectedPathRejected(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	before := h.files(t)
	desc := inline(change{Path: "safety/guard.go", Content: "package safety\n\nvar Off = true\n"})

	tk := h.update(t, desc, UpdateOptions{})
	if tk.Outcome != models.OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", tk.Outcome)
	}
	var policy bool
	for _, f := range tk.Findings {
		if f.Severity == models.SeverityError && f.Check == validator.CheckPolicy {
			policy = true
		}
	}
	if !policy {
		t.Errorf("expected a policy ERROR finding, got %+v", tk.Findings)
	}
	if !reflect.DeepEqual(before, h.files(t)) {
		t.Error("tree changed after rejected update")
	}
	if h.eng.Status().Phase != models.PhaseIdle {
		t.Errorf("phase = %s", h.eng.Status().Phase)
	}

	tk = h.update(t, desc, UpdateOptions{Override: true})
	if tk.Outcome != models.OutcomeApplied {
		t.Errorf("override outcome = %s (%s)", tk.Outcome, tk.Message)
	}
}

func TestSyntaxErrorCreatesNoSnapshot(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	snapsBefore, _ := h.snaps.List()

	bad := "package main\n\nfunc main() {\n\tfmt.Println(\"hi\"\n}\n"
	tk := h.update(t, inline(change{Path: "main.go", Content: bad}), UpdateOptions{})
	if tk.Outcome != models.OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", tk.Outcome)
	}
	var errs []models.Finding
	for _, f := range tk.Findings {
		if f.Severity == models.SeverityError {
			errs = append(errs, f)
		}
	}
	if len(errs) != 1 || !strings.Contains(errs[0].Message, "line 4") {
		t.Errorf("expected one ERROR citing line 4, got %+v", errs)
	}
	snapsAfter, _ := h.snaps.List()
	if len(snapsAfter) != len(snapsBefore) {
		t.Errorf("snapshot created for a rejected candidate: %d -> %d", len(snapsBefore), len(snapsAfter))
	}
	if st := h.eng.Status(); st.LastReport == nil || st.LastReport.Passed {
		t.Errorf("last report not surfaced: %+v", st.LastReport)
	}
}

type blockingReloader struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (r *blockingReloader) Reload(context.Context, []string) error {
	r.once.Do(func() { close(r.entered) })
	<-r.release
	return nil
}

func TestBusyWhileApplying(t *testing.T) {
	rl := &blockingReloader{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, harnessOpts{reloader: rl})

	first, err := h.eng.RequestUpdate(inline(change{Path: "foo.py", Content: "x = 1\n"}), UpdateOptions{})
	if err != nil {
		t.Fatalf("RequestUpdate failed: %v", err)
	}
	select {
	case <-rl.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("update never reached reload")
	}
	if p := h.eng.Status().Phase; p != models.PhaseApplying {
		t.Fatalf("phase = %s, want APPLYING", p)
	}
	if h.eng.IsTreeStable() {
		t.Error("tree must not be stable while applying")
	}

	second, err := h.eng.RequestUpdate(inline(change{Path: "bar.py", Content: "y = 2\n"}), UpdateOptions{})
	if !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	if second.Outcome != models.OutcomeBusy {
		t.Errorf("second outcome = %s, want busy", second.Outcome)
	}
	if err := h.eng.Cancel(); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("cancel while applying: expected ErrNotCancellable, got %v", err)
	}

	close(rl.release)
	tk := waitTicket(t, h.eng, first.ID)
	if tk.Outcome != models.OutcomeApplied {
		t.Errorf("first outcome = %s (%s)", tk.Outcome, tk.Message)
	}
	if h.tree.Exists("bar.py") {
		t.Error("busy request must not be applied")
	}
}

func TestDiffRefusedWhileApplying(t *testing.T) {
	rl := &blockingReloader{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, harnessOpts{reloader: rl})

	first, err := h.eng.RequestUpdate(inline(change{Path: "foo.py", Content: "x = 1\n"}), UpdateOptions{})
	if err != nil {
		t.Fatalf("RequestUpdate failed: %v", err)
	}
	select {
	case <-rl.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("update never reached reload")
	}
	if _, err := h.eng.DiffSnapshot(h.initial); !errors.Is(err, ErrBusy) {
		t.Errorf("diff while applying: expected ErrBusy, got %v", err)
	}
	if _, err := h.eng.CreateSnapshot(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("snapshot while applying: expected ErrBusy, got %v", err)
	}

	close(rl.release)
	waitTicket(t, h.eng, first.ID)
	paths, err := h.eng.DiffSnapshot(h.initial)
	if err != nil {
		t.Fatalf("diff after update: %v", err)
	}
	if len(paths) != 1 || paths[0] != "foo.py" {
		t.Errorf("diff = %v, want [foo.py]", paths)
	}
}

func TestUpdateBusyDuringManualSnapshot(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	h.eng.mu.Lock()
	h.eng.capturing = true
	h.eng.mu.Unlock()

	tk, err := h.eng.RequestUpdate(inline(change{Path: "foo.py", Content: "x = 1\n"}), UpdateOptions{})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if tk.Outcome != models.OutcomeBusy {
		t.Errorf("outcome = %s, want busy", tk.Outcome)
	}
	if _, err := h.eng.CreateSnapshot(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("second snapshot: expected ErrBusy, got %v", err)
	}
	if p := h.eng.Status().Phase; p != models.PhaseIdle {
		t.Errorf("phase = %s, want IDLE", p)
	}

	h.eng.mu.Lock()
	h.eng.capturing = false
	h.eng.mu.Unlock()

	if _, err := h.eng.CreateSnapshot(context.Background()); err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	if tk := h.update(t, inline(change{Path: "foo.py", Content: "x = 1\n"}), UpdateOptions{}); tk.Outcome != models.OutcomeApplied {
		t.Errorf("outcome after snapshot = %s (%s)", tk.Outcome, tk.Message)
	}
}

// Once the engine reports IDLE again the ticket that got it there is final,
// and its message never leaks into the next sequence.
func TestTicketFinalBeforeIdle(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	descs := []models.SourceDescriptor{
		inline(change{Path: "safety/guard.go", Content: "package safety\n"}),
		inline(change{Path: "foo.py", Content: "x = 1\n"}),
		inline(change{Path: "main.go", Content: "package main\n\nfunc main() {\n"}),
		inline(change{Path: "bar.py", Content: "y = 2\n"}),
	}
	for i, desc := range descs {
		tk, err := h.eng.RequestUpdate(desc, UpdateOptions{})
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		deadline := time.Now().Add(10 * time.Second)
		for h.eng.Status().Phase != models.PhaseIdle {
			if time.Now().After(deadline) {
				t.Fatalf("request %d never returned to IDLE", i)
			}
			time.Sleep(time.Millisecond)
		}
		got, err := h.eng.Ticket(tk.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Done() {
			t.Errorf("request %d: IDLE while ticket still %s", i, got.Outcome)
		}
		st := h.eng.Status()
		if got.Outcome == models.OutcomeApplied && st.LastError != "" {
			t.Errorf("request %d applied but last error is %q", i, st.LastError)
		}
		h.eng.Wait()
	}
}

func TestApplyFailureRollsBack(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	before := h.files(t)

	// main.go is modified first, then the add under the plain file "blocker" fails
	tk := h.update(t, inline(
		change{Path: "main.go", Kind: "modify", Content: "package main\n\nfunc main() { println(1) }\n"},
		change{Path: "blocker/x.go", Kind: "add", Content: "package blocker\n"},
	), UpdateOptions{})

	if tk.Outcome != models.OutcomeRolledBack {
		t.Fatalf("outcome = %s (%s), want rolled_back", tk.Outcome, tk.Message)
	}
	if !reflect.DeepEqual(before, h.files(t)) {
		t.Error("tree not byte-identical after rollback")
	}
	st := h.eng.Status()
	if st.Phase != models.PhaseIdle || st.CurrentSnapshotID == h.initial {
		t.Errorf("unexpected state after rollback: %s %s", st.Phase, st.CurrentSnapshotID)
	}
	if st.CurrentSnapshotID != tk.SnapshotID {
		t.Errorf("ticket snapshot %s != current %s", tk.SnapshotID, st.CurrentSnapshotID)
	}
}

type failingReloader struct{}

func (failingReloader) Reload(context.Context, []string) error {
	return errors.New("host refused reload")
}

func TestReloadFailureRollsBack(t *testing.T) {
	h := newHarness(t, harnessOpts{reloader: failingReloader{}})
	before := h.files(t)

	tk := h.update(t, inline(change{Path: "foo.py", Content: "x = 1\n"}), UpdateOptions{})
	if tk.Outcome != models.OutcomeRolledBack {
		t.Fatalf("outcome = %s, want rolled_back", tk.Outcome)
	}
	if !strings.Contains(tk.Message, "host refused reload") {
		t.Errorf("message = %q", tk.Message)
	}
	if !reflect.DeepEqual(before, h.files(t)) {
		t.Error("foo.py should be gone after rollback")
	}
}

type probeFunc func(ctx context.Context, c *models.Candidate) error

func (f probeFunc) Probe(ctx context.Context, c *models.Candidate) error { return f(ctx, c) }

func TestProbeFailureRollsBack(t *testing.T) {
	h := newHarness(t, harnessOpts{prober: probeFunc(func(context.Context, *models.Candidate) error {
		return errors.New("self-check timed out")
	})})
	before := h.files(t)

	tk := h.update(t, inline(change{Path: "main.go", Content: "package main\n\nfunc main() { panic(1) }\n"}), UpdateOptions{})
	if tk.Outcome != models.OutcomeRolledBack {
		t.Fatalf("outcome = %s, want rolled_back", tk.Outcome)
	}
	if !reflect.DeepEqual(before, h.files(t)) {
		t.Error("tree not restored after probe failure")
	}
}

func TestRestoreIntegrityFailureNeedsRecovery(t *testing.T) {
	var h *harness
	h = newHarness(t, harnessOpts{prober: probeFunc(func(context.Context, *models.Candidate) error {
		// corrupt the pre-apply checkpoint so the rollback cannot verify
		pre := h.eng.Status().CurrentSnapshotID
		os.WriteFile(filepath.Join(h.snapDir, pre, "files", "main.go"), []byte("garbage"), 0o644)
		return errors.New("probe failed")
	})})
	original := h.files(t)

	tk := h.update(t, inline(change{Path: "main.go", Content: "package main\n\nfunc main() { println(2) }\n"}), UpdateOptions{})
	if tk.Outcome != models.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", tk.Outcome)
	}
	st := h.eng.Status()
	if st.Phase != models.PhaseFailed || st.TreeStable || st.LastError == "" {
		t.Fatalf("expected sticky FAILED with error, got %+v", st)
	}

	if _, err := h.eng.RequestUpdate(inline(change{Path: "a.py", Content: "1\n"}), UpdateOptions{}); !errors.Is(err, ErrEngineFailed) {
		t.Errorf("expected ErrEngineFailed, got %v", err)
	}

	// the corrupt checkpoint cannot be used
	if err := h.eng.Recover(context.Background(), ""); !errors.Is(err, snapshot.ErrRestoreIntegrity) {
		t.Errorf("expected ErrRestoreIntegrity, got %v", err)
	}
	if h.eng.Status().Phase != models.PhaseFailed {
		t.Fatal("engine should stay FAILED after a failed recovery")
	}

	if err := h.eng.Recover(context.Background(), h.initial); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	st = h.eng.Status()
	if st.Phase != models.PhaseIdle || st.CurrentSnapshotID != h.initial {
		t.Errorf("unexpected state after recovery: %+v", st)
	}
	if !reflect.DeepEqual(original, h.files(t)) {
		t.Error("tree not restored by recovery")
	}
	if err := h.eng.Recover(context.Background(), h.initial); !errors.Is(err, ErrNotFailed) {
		t.Errorf("expected ErrNotFailed, got %v", err)
	}
}

func TestMalformedSourcePassesThroughFailed(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	tk := h.update(t, models.SourceDescriptor{Kind: models.SourceInline, Locator: "changes: ["}, UpdateOptions{})
	if tk.Outcome != models.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", tk.Outcome)
	}
	st := h.eng.Status()
	if st.Phase != models.PhaseIdle {
		t.Errorf("phase = %s, want IDLE", st.Phase)
	}
	var sawFailed bool
	for _, tr := range st.History {
		if tr.From == models.PhaseFetching && tr.To == models.PhaseFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Errorf("expected FETCHING -> FAILED in history: %+v", st.History)
	}
}

type countingFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *countingFetcher) Fetch(context.Context, models.SourceDescriptor) (*models.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil, fetch.ErrUnavailable
}

func TestUnavailableRetriesThenIdle(t *testing.T) {
	f := &countingFetcher{}
	h := newHarness(t, harnessOpts{fetcher: f, opts: Options{FetchRetries: 3, FetchBackoff: time.Millisecond}})

	tk := h.update(t, models.SourceDescriptor{Kind: models.SourceLocal, Locator: "/nowhere"}, UpdateOptions{})
	if tk.Outcome != models.OutcomeUnavailable {
		t.Fatalf("outcome = %s, want unavailable", tk.Outcome)
	}
	if f.calls != 3 {
		t.Errorf("fetch attempts = %d, want 3", f.calls)
	}
	if p := h.eng.Status().Phase; p != models.PhaseIdle {
		t.Errorf("phase = %s, want IDLE", p)
	}
}

type blockingFetcher struct {
	started chan struct{}
}

func (f *blockingFetcher) Fetch(ctx context.Context, _ models.SourceDescriptor) (*models.Candidate, error) {
	close(f.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancelDuringFetch(t *testing.T) {
	f := &blockingFetcher{started: make(chan struct{})}
	h := newHarness(t, harnessOpts{fetcher: f})

	if err := h.eng.Cancel(); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("cancel while idle: expected ErrNotCancellable, got %v", err)
	}

	ticket, err := h.eng.RequestUpdate(models.SourceDescriptor{Kind: models.SourceLocal, Locator: "/slow"}, UpdateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	<-f.started
	if err := h.eng.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	tk := waitTicket(t, h.eng, ticket.ID)
	if tk.Outcome != models.OutcomeCancelled {
		t.Errorf("outcome = %s, want cancelled", tk.Outcome)
	}
	if p := h.eng.Status().Phase; p != models.PhaseIdle {
		t.Errorf("phase = %s, want IDLE", p)
	}
}

func TestPruneAfterSuccess(t *testing.T) {
	h := newHarness(t, harnessOpts{opts: Options{Retention: 1}})
	for i, name := range []string{"a.py", "b.py", "c.py"} {
		tk := h.update(t, inline(change{Path: name, Content: "x = 1\n"}), UpdateOptions{})
		if tk.Outcome != models.OutcomeApplied {
			t.Fatalf("update %d outcome = %s", i, tk.Outcome)
		}
	}
	list, _ := h.snaps.List()
	if len(list) != 2 {
		t.Errorf("expected active + 1 archived snapshot, got %d", len(list))
	}
}

func TestExecuteSnippet(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	events, cancel := h.eng.Subscribe()
	defer cancel()

	res := h.eng.ExecuteSnippet(context.Background(), executor.Request{Code: "echo hi", Runtime: "sh"})
	if !res.OK() || strings.TrimSpace(res.Stdout) != "hi" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if st := h.eng.Status(); st.LastExecution == nil || st.LastExecution.ID != res.ID {
		t.Error("last execution not recorded in status")
	}
	select {
	case ev := <-events:
		if ev.Kind != EventExecution || ev.Execution.ID != res.ID {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("no execution event")
	}
}

func TestSnippetTimeoutLeavesEngineResponsive(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	res := h.eng.ExecuteSnippet(context.Background(), executor.Request{Code: "sleep 5", Runtime: "sh", Timeout: 100 * time.Millisecond})
	if res.Error == nil || res.Error.Kind != models.ErrKindTimeout {
		t.Fatalf("expected timeout, got %+v", res.Error)
	}
	start := time.Now()
	probe := TreeProbe{Tree: h.tree}
	if err := probe.Probe(context.Background(), &models.Candidate{}); err != nil {
		t.Errorf("probe failed after timeout: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("engine not responsive within 1s of the timeout")
	}
}

func TestCreateSnapshotAndTicketLookup(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	snap, err := h.eng.CreateSnapshot(context.Background())
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	if h.eng.Status().CurrentSnapshotID != snap.ID {
		t.Error("manual snapshot should become current")
	}
	if _, err := h.eng.Ticket("missing"); !errors.Is(err, ErrTicketNotFound) {
		t.Errorf("expected ErrTicketNotFound, got %v", err)
	}
	removed, err := h.eng.Prune(1)
	if err != nil || removed != 0 {
		t.Errorf("Prune = %d, %v", removed, err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.Phase
		want     bool
	}{
		{models.PhaseIdle, models.PhaseFetching, true},
		{models.PhaseIdle, models.PhaseApplying, false},
		{models.PhaseValidating, models.PhaseApplying, false},
		{models.PhaseApplying, models.PhaseIdle, false},
		{models.PhaseRollingBack, models.PhaseFailed, true},
		{models.PhaseFailed, models.PhaseFetching, false},
		{models.PhaseFailed, models.PhaseIdle, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestHistoryRing(t *testing.T) {
	h := newHistory(3)
	for i := 0; i < 5; i++ {
		h.add(models.Transition{Reason: string(rune('a' + i))})
	}
	got := h.list()
	if len(got) != 3 || got[0].Reason != "c" || got[2].Reason != "e" {
		t.Errorf("ring = %+v", got)
	}
}
