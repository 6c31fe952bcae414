package scan

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"coursewatch/internal/compile"
	"coursewatch/internal/session"
	"coursewatch/internal/track"
	"coursewatch/pkg/logx"
)

type fakeRegistry struct {
	mu      sync.Mutex
	tenants []track.Tenant
	touched map[string]time.Time
}

func (r *fakeRegistry) List(context.Context) ([]track.Tenant, error) {
	return r.tenants, nil
}

func (r *fakeRegistry) Get(_ context.Context, id string) (track.Tenant, bool, error) {
	for _, t := range r.tenants {
		if t.ID == id {
			return t, true, nil
		}
	}
	return track.Tenant{}, false, nil
}

func (r *fakeRegistry) TrackedResources(_ context.Context, id string) ([]string, error) {
	t, ok, _ := r.Get(context.Background(), id)
	if !ok {
		return nil, track.ErrTenantNotFound
	}
	return t.Resources, nil
}

func (r *fakeRegistry) TouchLastScan(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.touched == nil {
		r.touched = map[string]time.Time{}
	}
	r.touched[id] = at
	return nil
}

type fakeStore struct {
	mu    sync.Mutex
	rows  map[string]track.ResourceSnapshot
	saves int
}

func storeKey(tenantID, resourceID string) string { return tenantID + "/" + resourceID }

func (s *fakeStore) Load(_ context.Context, tenantID, resourceID string) (track.ResourceSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.rows[storeKey(tenantID, resourceID)]
	return snap, ok, nil
}

func (s *fakeStore) Save(_ context.Context, tenantID, resourceID string, snap track.ResourceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows == nil {
		s.rows = map[string]track.ResourceSnapshot{}
	}
	s.rows[storeKey(tenantID, resourceID)] = snap
	s.saves++
	return nil
}

func (s *fakeStore) Delete(_ context.Context, tenantID, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, storeKey(tenantID, resourceID))
	return nil
}

func (s *fakeStore) Resources(_ context.Context, tenantID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.rows {
		if strings.HasPrefix(k, tenantID+"/") {
			out = append(out, strings.TrimPrefix(k, tenantID+"/"))
		}
	}
	return out, nil
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type fakeFetcher struct {
	mu sync.Mutex
	// snapshots by tenant/resource key
	snaps map[string]track.ResourceSnapshot
	// per-tenant count of ErrUnauthenticated to return before succeeding
	stale    map[string]int
	content  map[string]string
	fetches  int
	contents int
}

func (f *fakeFetcher) Fetch(_ context.Context, sess *track.Session, resourceID string) (track.ResourceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if n := f.stale[sess.TenantID]; n > 0 {
		f.stale[sess.TenantID] = n - 1
		return track.ResourceSnapshot{}, track.ErrUnauthenticated
	}
	snap, ok := f.snaps[storeKey(sess.TenantID, resourceID)]
	if !ok {
		return track.ResourceSnapshot{}, errors.New("fetch blew up")
	}
	return snap, nil
}

func (f *fakeFetcher) BulletinContent(_ context.Context, _ *track.Session, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contents++
	c, ok := f.content[url]
	if !ok {
		return "", errors.New("no such page")
	}
	return c, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  map[string][]track.Message
	fail  bool
	delay time.Duration
}

func (n *fakeNotifier) Send(_ context.Context, tenantID string, msg track.Message) error {
	if n.delay > 0 {
		time.Sleep(n.delay)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("send failed")
	}
	if n.sent == nil {
		n.sent = map[string][]track.Message{}
	}
	n.sent[tenantID] = append(n.sent[tenantID], msg)
	return nil
}

func (n *fakeNotifier) messages(tenantID string) []track.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[tenantID]
}

type scriptedAuth struct {
	mu   sync.Mutex
	fail map[string]bool
}

func (a *scriptedAuth) Login(_ context.Context, tenantID, _, _ string) (*track.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail[tenantID] {
		return nil, track.ErrAuthFailed
	}
	return &track.Session{TenantID: tenantID, CreatedAt: time.Now()}, nil
}

type openCreds struct{}

func (openCreds) Decrypt(context.Context, string) (string, string, error) {
	return "user", "pass", nil
}

type nopPredictor struct{}

func (nopPredictor) Summarize(map[string]track.ScoreEntry) (track.Summary, bool) {
	return track.Summary{}, false
}

type harness struct {
	orch     *Orchestrator
	registry *fakeRegistry
	store    *fakeStore
	fetcher  *fakeFetcher
	notifier *fakeNotifier
	auth     *scriptedAuth
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		registry: &fakeRegistry{},
		store:    &fakeStore{},
		fetcher:  &fakeFetcher{snaps: map[string]track.ResourceSnapshot{}, stale: map[string]int{}, content: map[string]string{}},
		notifier: &fakeNotifier{},
		auth:     &scriptedAuth{fail: map[string]bool{}},
	}
	sessions := session.NewManager(h.auth, openCreds{}, time.Hour, logx.Nop())
	h.orch = New(Deps{
		Sessions: sessions,
		Fetcher:  h.fetcher,
		Store:    h.store,
		Registry: h.registry,
		Notifier: h.notifier,
		Compiler: compile.New(nopPredictor{}),
		Log:      logx.Nop(),
	})
	return h
}

func snapWithScore(label, value string) track.ResourceSnapshot {
	return track.ResourceSnapshot{
		Name:   "Algorithms",
		Scores: map[string]track.ScoreEntry{label: {Value: value}},
	}
}

func TestRunCycleNoChangesWritesNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	snap := snapWithScore("Midterm", "80")
	h.registry.tenants = []track.Tenant{{ID: "100", Username: "u", Secret: "s", Resources: []string{"r1"}}}
	h.fetcher.snaps[storeKey("100", "r1")] = snap
	h.store.rows = map[string]track.ResourceSnapshot{storeKey("100", "r1"): snap}

	h.orch.RunCycle(context.Background())

	if got := h.store.saveCount(); got != 0 {
		t.Fatalf("saves = %d, want 0 for an unchanged resource", got)
	}
	if msgs := h.notifier.messages("100"); len(msgs) != 0 {
		t.Fatalf("got %d messages, want none", len(msgs))
	}
}

func TestRunCycleNotifiesAndPersistsChanges(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.registry.tenants = []track.Tenant{{ID: "100", Username: "u", Secret: "s", Resources: []string{"r1"}}}
	h.fetcher.snaps[storeKey("100", "r1")] = snapWithScore("Midterm", "80")

	h.orch.RunCycle(context.Background())

	msgs := h.notifier.messages("100")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "Midterm") {
		t.Fatalf("message does not mention the new score: %q", msgs[0].Text)
	}
	saved, ok, _ := h.store.Load(context.Background(), "100", "r1")
	if !ok {
		t.Fatal("snapshot was not persisted")
	}
	if saved.Scores["Midterm"].Value != "80" {
		t.Fatalf("persisted score = %q, want 80", saved.Scores["Midterm"].Value)
	}
	h.registry.mu.Lock()
	_, touched := h.registry.touched["100"]
	h.registry.mu.Unlock()
	if !touched {
		t.Fatal("last scan was not recorded for the tenant")
	}
}

func TestAuthFailureIsIsolatedPerTenant(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.registry.tenants = []track.Tenant{
		{ID: "bad", Username: "u", Secret: "s", Resources: []string{"r1"}},
		{ID: "good", Username: "u", Secret: "s", Resources: []string{"r1"}},
	}
	h.auth.fail["bad"] = true
	h.fetcher.snaps[storeKey("good", "r1")] = snapWithScore("Quiz", "95")

	h.orch.RunCycle(context.Background())

	badMsgs := h.notifier.messages("bad")
	if len(badMsgs) != 1 {
		t.Fatalf("failing tenant got %d messages, want exactly one failure notice", len(badMsgs))
	}
	if !strings.Contains(badMsgs[0].Text, "Login failed") {
		t.Fatalf("unexpected failure notice: %q", badMsgs[0].Text)
	}
	if _, ok := h.store.rows[storeKey("bad", "r1")]; ok {
		t.Fatal("failing tenant must not get snapshot writes")
	}
	if len(h.notifier.messages("good")) != 1 {
		t.Fatal("healthy tenant was not notified")
	}
	if _, ok, _ := h.store.Load(context.Background(), "good", "r1"); !ok {
		t.Fatal("healthy tenant snapshot was not persisted")
	}
}

func TestStaleSessionIsRetriedOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.registry.tenants = []track.Tenant{{ID: "100", Username: "u", Secret: "s", Resources: []string{"r1"}}}
	h.fetcher.snaps[storeKey("100", "r1")] = snapWithScore("Final", "60")
	h.fetcher.stale["100"] = 1

	h.orch.RunCycle(context.Background())

	if len(h.notifier.messages("100")) != 1 {
		t.Fatal("expected a notification after the re-login retry")
	}
	if _, ok, _ := h.store.Load(context.Background(), "100", "r1"); !ok {
		t.Fatal("snapshot missing after re-login retry")
	}
}

func TestResourceFailureSkipsOnlyThatResource(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.registry.tenants = []track.Tenant{{ID: "100", Username: "u", Secret: "s", Resources: []string{"broken", "ok"}}}
	h.fetcher.snaps[storeKey("100", "ok")] = snapWithScore("HW1", "100")

	h.orch.RunCycle(context.Background())

	if len(h.notifier.messages("100")) != 1 {
		t.Fatal("the healthy resource should still produce a notification")
	}
	if _, ok, _ := h.store.Load(context.Background(), "100", "ok"); !ok {
		t.Fatal("healthy resource snapshot was not persisted")
	}
}

func TestBulletinContentIsFilledAndPersisted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.registry.tenants = []track.Tenant{{ID: "100", Username: "u", Secret: "s", Resources: []string{"r1"}}}
	h.fetcher.snaps[storeKey("100", "r1")] = track.ResourceSnapshot{
		Name: "Physics",
		Bulletins: []track.Bulletin{
			{ID: "b1", Title: "Makeup exam", URL: "/b/1"},
		},
	}
	h.fetcher.content["/b/1"] = "The makeup exam is on Friday."

	h.orch.RunCycle(context.Background())

	msgs := h.notifier.messages("100")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "The makeup exam is on Friday.") {
		t.Fatalf("message lacks the fetched bulletin body: %q", msgs[0].Text)
	}
	saved, _, _ := h.store.Load(context.Background(), "100", "r1")
	if saved.Bulletins[0].Content != "The makeup exam is on Friday." {
		t.Fatalf("persisted bulletin content = %q", saved.Bulletins[0].Content)
	}
	if h.fetcher.contents != 1 {
		t.Fatalf("content fetched %d times, want once", h.fetcher.contents)
	}
}

func TestSnapshotPruningForUntrackedResources(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	snap := snapWithScore("Midterm", "80")
	h.registry.tenants = []track.Tenant{{ID: "100", Username: "u", Secret: "s", Resources: []string{"kept"}}}
	h.fetcher.snaps[storeKey("100", "kept")] = snap
	h.store.rows = map[string]track.ResourceSnapshot{
		storeKey("100", "kept"):    snap,
		storeKey("100", "dropped"): snapWithScore("Old", "1"),
	}

	h.orch.RunCycle(context.Background())

	if _, ok := h.store.rows[storeKey("100", "dropped")]; ok {
		t.Fatal("untracked resource snapshot was not pruned")
	}
	if _, ok := h.store.rows[storeKey("100", "kept")]; !ok {
		t.Fatal("tracked resource snapshot went missing")
	}
}

func TestTriggerManualScan(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.registry.tenants = []track.Tenant{{ID: "100", Username: "u", Secret: "s", Resources: []string{"r1", "r2"}}}
	h.fetcher.snaps[storeKey("100", "r1")] = snapWithScore("Quiz", "70")
	h.fetcher.snaps[storeKey("100", "r2")] = track.ResourceSnapshot{Name: "Empty"}

	res := h.orch.TriggerManualScan(context.Background(), "100", "")
	if !res.Success {
		t.Fatalf("manual scan failed: %s", res.Message)
	}
	if res.Changes != 1 {
		t.Fatalf("changes = %d, want 1", res.Changes)
	}

	res = h.orch.TriggerManualScan(context.Background(), "100", "r9")
	if res.Success {
		t.Fatal("scan of an untracked resource must not succeed")
	}

	res = h.orch.TriggerManualScan(context.Background(), "nobody", "")
	if res.Success {
		t.Fatal("scan of an unknown tenant must not succeed")
	}
}

func TestManualScanReportsAuthFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.registry.tenants = []track.Tenant{{ID: "100", Username: "u", Secret: "s", Resources: []string{"r1"}}}
	h.auth.fail["100"] = true

	res := h.orch.TriggerManualScan(context.Background(), "100", "")
	if res.Success {
		t.Fatal("manual scan must fail when login fails")
	}
	if !strings.Contains(res.Message, "Login failed") {
		t.Fatalf("unexpected message: %q", res.Message)
	}
}

func TestManualScanReportsFailedResources(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.registry.tenants = []track.Tenant{{ID: "100", Username: "u", Secret: "s", Resources: []string{"broken", "ok"}}}
	h.fetcher.snaps[storeKey("100", "ok")] = snapWithScore("HW1", "100")

	// Every requested resource failed: the check must not read as a
	// clean "no changes".
	res := h.orch.TriggerManualScan(context.Background(), "100", "broken")
	if res.Success {
		t.Fatal("manual scan of a failing resource must not succeed")
	}
	if !strings.Contains(res.Message, "broken") {
		t.Fatalf("message does not name the failed resource: %q", res.Message)
	}

	// Partial failure: the scan succeeds but still names the skipped id.
	res = h.orch.TriggerManualScan(context.Background(), "100", "")
	if !res.Success {
		t.Fatalf("partial scan should succeed: %s", res.Message)
	}
	if res.Changes != 1 {
		t.Fatalf("changes = %d, want 1 from the healthy resource", res.Changes)
	}
	if !strings.Contains(res.Message, "broken") {
		t.Fatalf("message does not mention the skipped resource: %q", res.Message)
	}
}

// contendedStore flags any overlap of the Load..Save window for the same
// row, which holds only if scans serialize per (tenant, resource).
type contendedStore struct {
	inner *fakeStore

	mu      sync.Mutex
	active  map[string]int
	overlap bool
}

func (s *contendedStore) enter(key string) {
	s.mu.Lock()
	s.active[key]++
	if s.active[key] > 1 {
		s.overlap = true
	}
	s.mu.Unlock()
}

func (s *contendedStore) exit(key string) {
	s.mu.Lock()
	s.active[key]--
	s.mu.Unlock()
}

func (s *contendedStore) Load(ctx context.Context, tenantID, resourceID string) (track.ResourceSnapshot, bool, error) {
	s.enter(storeKey(tenantID, resourceID))
	return s.inner.Load(ctx, tenantID, resourceID)
}

func (s *contendedStore) Save(ctx context.Context, tenantID, resourceID string, snap track.ResourceSnapshot) error {
	defer s.exit(storeKey(tenantID, resourceID))
	return s.inner.Save(ctx, tenantID, resourceID, snap)
}

func (s *contendedStore) Delete(ctx context.Context, tenantID, resourceID string) error {
	return s.inner.Delete(ctx, tenantID, resourceID)
}

func (s *contendedStore) Resources(ctx context.Context, tenantID string) ([]string, error) {
	return s.inner.Resources(ctx, tenantID)
}

func (s *contendedStore) sawOverlap() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlap
}

// countingFetcher returns a different score value on every fetch, so each
// scan detects exactly one change and writes the snapshot.
type countingFetcher struct {
	mu sync.Mutex
	n  int
}

func (f *countingFetcher) Fetch(context.Context, *track.Session, string) (track.ResourceSnapshot, error) {
	f.mu.Lock()
	f.n++
	v := f.n
	f.mu.Unlock()
	return snapWithScore("Quiz", strconv.Itoa(v)), nil
}

func (f *countingFetcher) BulletinContent(context.Context, *track.Session, string) (string, error) {
	return "", nil
}

func TestConcurrentScansSerializePerResource(t *testing.T) {
	t.Parallel()
	registry := &fakeRegistry{tenants: []track.Tenant{{ID: "100", Username: "u", Secret: "s", Resources: []string{"r1"}}}}
	store := &contendedStore{inner: &fakeStore{}, active: map[string]int{}}
	fetcher := &countingFetcher{}
	// The notify delay sits between Load and Save, widening the window
	// an unserialized second scan would race into.
	notifier := &fakeNotifier{delay: 10 * time.Millisecond}
	sessions := session.NewManager(&scriptedAuth{fail: map[string]bool{}}, openCreds{}, time.Hour, logx.Nop())
	orch := New(Deps{
		Sessions: sessions,
		Fetcher:  fetcher,
		Store:    store,
		Registry: registry,
		Notifier: notifier,
		Compiler: compile.New(nopPredictor{}),
		Log:      logx.Nop(),
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		orch.RunCycle(context.Background())
	}()
	go func() {
		defer wg.Done()
		orch.TriggerManualScan(context.Background(), "100", "r1")
	}()
	wg.Wait()

	if store.sawOverlap() {
		t.Fatal("read-diff-write sections interleaved for the same resource")
	}
	if got := store.inner.saveCount(); got != 2 {
		t.Fatalf("saves = %d, want one per scan", got)
	}
	if msgs := notifier.messages("100"); len(msgs) != 2 {
		t.Fatalf("messages = %d, want one per scan", len(msgs))
	}
	snap, _, _ := store.inner.Load(context.Background(), "100", "r1")
	if snap.Scores["Quiz"].Value != "2" {
		t.Fatalf("final score = %q, want the later fetch's value", snap.Scores["Quiz"].Value)
	}
}

func TestLastScanTimeAdvances(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if !h.orch.LastScanTime().IsZero() {
		t.Fatal("last scan time should start zero")
	}
	h.orch.RunCycle(context.Background())
	if h.orch.LastScanTime().IsZero() {
		t.Fatal("last scan time did not advance after a cycle")
	}
}
