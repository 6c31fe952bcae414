// Package scan drives the poll cycle: session, fetch, diff, compile,
// notify, persist — per tenant, per resource, with per-tenant failure
// isolation. Both the scheduled full cycle and on-demand scans go through
// the same code path.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"

	"coursewatch/internal/compile"
	"coursewatch/internal/diff"
	"coursewatch/internal/session"
	"coursewatch/internal/snapshot"
	"coursewatch/internal/track"
	"coursewatch/pkg/logx"
)

type Deps struct {
	Sessions *session.Manager
	Fetcher  track.ResourceFetcher
	Store    snapshot.Store
	Registry track.TenantRegistry
	Notifier track.Notifier
	Compiler *compile.Compiler
	Log      logx.Logger

	// Now is the clock used for reminder windows. Defaults to time.Now.
	Now func() time.Time
}

type Orchestrator struct {
	sessions *session.Manager
	fetcher  track.ResourceFetcher
	store    snapshot.Store
	registry track.TenantRegistry
	notifier track.Notifier
	compiler *compile.Compiler
	log      logx.Logger
	now      func() time.Time

	// locks serializes the read-diff-write sequence per (tenant,
	// resource) between the scheduled cycle and on-demand scans.
	// Without it, concurrent cycles race on the snapshot row and the
	// loser's detected changes are silently dropped.
	locks *kmutex.Kmutex

	mu       sync.Mutex
	lastScan time.Time
}

func New(d Deps) *Orchestrator {
	if d.Now == nil {
		d.Now = time.Now
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		sessions: d.Sessions,
		fetcher:  d.Fetcher,
		store:    d.Store,
		registry: d.Registry,
		notifier: d.Notifier,
		compiler: d.Compiler,
		log:      log.With(logx.String("comp", "scan")),
		now:      d.Now,
		locks:    kmutex.New(),
	}
}

// SetNotifier wires the delivery side after construction; the command
// surface and the orchestrator reference each other. Call before Start.
func (o *Orchestrator) SetNotifier(n track.Notifier) { o.notifier = n }

// RunCycle scans every tenant that has credentials and at least one
// tracked resource, in roster order. No tenant or resource failure stops
// the cycle; the last-scan marker advances once everything was visited.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	started := o.now()
	tenants, err := o.registry.List(ctx)
	if err != nil {
		o.log.Error("listing tenants failed", logx.Err(err))
		return
	}
	o.log.Info("cycle started", logx.Int("tenants", len(tenants)))

	total := 0
	for _, t := range tenants {
		if ctx.Err() != nil {
			o.log.Warn("cycle interrupted", logx.Err(ctx.Err()))
			return
		}
		if !t.HasCredentials() || len(t.Resources) == 0 {
			continue
		}
		n, _, err := o.scanTenant(ctx, t, t.Resources)
		total += n
		if err != nil {
			o.log.Warn("tenant scan failed",
				logx.String("tenant", t.ID), logx.Err(err))
		}
	}

	o.mu.Lock()
	o.lastScan = o.now()
	o.mu.Unlock()
	o.log.Info("cycle finished",
		logx.Int("changes", total),
		logx.Duration("took", o.now().Sub(started)))
}

// TriggerManualScan scans one tenant synchronously, optionally restricted
// to a single resource. It shares the orchestration path (and the
// per-resource locks) with the scheduled cycle.
func (o *Orchestrator) TriggerManualScan(ctx context.Context, tenantID, resourceID string) track.ScanResult {
	t, ok, err := o.registry.Get(ctx, tenantID)
	if err != nil {
		o.log.Error("manual scan lookup failed", logx.String("tenant", tenantID), logx.Err(err))
		return track.ScanResult{Message: "Tenant lookup failed."}
	}
	if !ok || !t.HasCredentials() {
		return track.ScanResult{Message: "No account is registered."}
	}

	resources := t.Resources
	if resourceID != "" {
		if !contains(resources, resourceID) {
			return track.ScanResult{Message: "That resource is not tracked."}
		}
		resources = []string{resourceID}
	}
	if len(resources) == 0 {
		return track.ScanResult{Message: "No tracked resources."}
	}

	n, failed, err := o.scanTenant(ctx, t, resources)
	if err != nil {
		if errors.Is(err, track.ErrAuthFailed) {
			return track.ScanResult{Message: "Login failed; check the stored credentials."}
		}
		return track.ScanResult{Changes: n, Message: "Scan failed: " + err.Error()}
	}
	// A cycle only logs skipped resources; a manual scan reports them,
	// otherwise a failed check reads as "no changes".
	if len(failed) == len(resources) {
		return track.ScanResult{Changes: n,
			Message: "Scan failed: could not read " + strings.Join(failed, ", ") + "."}
	}

	msg := fmt.Sprintf("Scan complete (%d changes).", n)
	if n == 0 {
		msg = "Scan complete (no changes)."
	}
	if len(failed) > 0 {
		msg += " Could not read " + strings.Join(failed, ", ") + "."
	}
	return track.ScanResult{Success: true, Changes: n, Message: msg}
}

// LastScanTime reports when the last full cycle finished. Zero before the
// first one.
func (o *Orchestrator) LastScanTime() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastScan
}

// scanTenant processes the given resources in stored order. An auth
// failure notifies the tenant once and aborts only this tenant's work; a
// per-resource failure is logged, skipped, and reported back by id.
func (o *Orchestrator) scanTenant(ctx context.Context, t track.Tenant, resources []string) (int, []string, error) {
	log := o.log.With(logx.String("tenant", t.ID))

	if _, err := o.sessions.EnsureSession(ctx, t.ID); err != nil {
		if errors.Is(err, track.ErrAuthFailed) {
			o.notifyAuthFailure(ctx, t.ID)
		}
		return 0, nil, err
	}

	total := 0
	var failed []string
	for _, resourceID := range resources {
		if ctx.Err() != nil {
			return total, failed, ctx.Err()
		}
		n, err := o.scanResource(ctx, t.ID, resourceID)
		total += n
		if err != nil {
			if errors.Is(err, track.ErrAuthFailed) {
				// Re-login mid-tenant failed: abort remaining
				// resources for this tenant only.
				o.notifyAuthFailure(ctx, t.ID)
				return total, failed, err
			}
			// Transient fetch/parse trouble: skip this resource.
			failed = append(failed, resourceID)
			log.Warn("resource skipped",
				logx.String("resource", resourceID), logx.Err(err))
		}
	}

	// Prune against the full tracked set; a restricted manual scan must
	// not drop the other resources' snapshots.
	o.pruneUntracked(ctx, t.ID, t.Resources)

	if err := o.registry.TouchLastScan(ctx, t.ID, o.now()); err != nil {
		log.Warn("recording last scan failed", logx.Err(err))
	}
	return total, failed, nil
}

// scanResource runs fetch → diff → compile → notify → persist for one
// resource. The whole read-diff-write sequence holds the per-resource
// lock.
func (o *Orchestrator) scanResource(ctx context.Context, tenantID, resourceID string) (int, error) {
	key := tenantID + "/" + resourceID
	o.locks.Lock(key)
	defer o.locks.Unlock(key)

	sess, curr, err := o.fetchCurrent(ctx, tenantID, resourceID)
	if err != nil {
		return 0, err
	}

	prev, _, err := o.store.Load(ctx, tenantID, resourceID)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}

	events, merged := diff.ComputeChanges(prev, curr, o.now())
	if len(events) == 0 {
		// No events, no write: the stored snapshot stays untouched.
		return 0, nil
	}

	o.fillBulletinContent(ctx, sess, events, &merged)

	name := merged.Name
	if name == "" {
		name = resourceID
	}
	if msg, ok := o.compiler.Compile(name, merged.Scores, events); ok {
		if err := o.notifier.Send(ctx, tenantID, msg); err != nil {
			// Best effort: log and move on, no retry this cycle.
			o.log.Warn("notify failed",
				logx.String("tenant", tenantID),
				logx.String("resource", resourceID),
				logx.Err(err))
		}
	}

	// Persist after delivery. If this write fails the next cycle
	// re-detects and re-notifies the same changes; at-least-once is the
	// accepted trade-off.
	if err := o.store.Save(ctx, tenantID, resourceID, merged); err != nil {
		o.log.Error("snapshot write failed",
			logx.String("tenant", tenantID),
			logx.String("resource", resourceID),
			logx.Err(err))
	}
	return len(events), nil
}

// fetchCurrent fetches the resource with the cached session. When the
// remote side rejects the session it invalidates, re-authenticates, and
// retries the fetch exactly once.
func (o *Orchestrator) fetchCurrent(ctx context.Context, tenantID, resourceID string) (*track.Session, track.ResourceSnapshot, error) {
	sess, err := o.sessions.EnsureSession(ctx, tenantID)
	if err != nil {
		return nil, track.ResourceSnapshot{}, err
	}

	curr, err := o.fetcher.Fetch(ctx, sess, resourceID)
	if errors.Is(err, track.ErrUnauthenticated) {
		o.sessions.Invalidate(tenantID)
		sess, err = o.sessions.EnsureSession(ctx, tenantID)
		if err != nil {
			return nil, track.ResourceSnapshot{}, err
		}
		curr, err = o.fetcher.Fetch(ctx, sess, resourceID)
	}
	if err != nil {
		return nil, track.ResourceSnapshot{}, fmt.Errorf("fetch %s: %w", resourceID, err)
	}
	return sess, curr, nil
}

// fillBulletinContent populates the full body for new and updated
// bulletins, both on the event payload and in the merged snapshot.
// Content is fetched once here and carried forward by later diffs.
func (o *Orchestrator) fillBulletinContent(ctx context.Context, sess *track.Session, events []track.ChangeEvent, merged *track.ResourceSnapshot) {
	for i := range events {
		ev := &events[i]
		if ev.Category != track.CategoryBulletin || ev.Kind == track.KindRemoved {
			continue
		}
		b := &ev.Bulletin.Bulletin
		content, err := o.fetcher.BulletinContent(ctx, sess, b.URL)
		if err != nil {
			o.log.Warn("bulletin content fetch failed",
				logx.String("bulletin", b.ID), logx.Err(err))
			continue
		}
		b.Content = content
		for j := range merged.Bulletins {
			if merged.Bulletins[j].ID == b.ID {
				merged.Bulletins[j].Content = content
				break
			}
		}
	}
}

// pruneUntracked drops snapshot rows for resources the tenant no longer
// tracks, keeping the snapshot set a subset of the tracked ids. Eventual:
// a failure here is only logged.
func (o *Orchestrator) pruneUntracked(ctx context.Context, tenantID string, tracked []string) {
	stored, err := o.store.Resources(ctx, tenantID)
	if err != nil {
		o.log.Warn("listing snapshots failed", logx.String("tenant", tenantID), logx.Err(err))
		return
	}
	for _, id := range stored {
		if contains(tracked, id) {
			continue
		}
		if err := o.store.Delete(ctx, tenantID, id); err != nil {
			o.log.Warn("pruning snapshot failed",
				logx.String("tenant", tenantID),
				logx.String("resource", id),
				logx.Err(err))
		}
	}
}

func (o *Orchestrator) notifyAuthFailure(ctx context.Context, tenantID string) {
	msg := track.Message{
		Text: "⚠️ <b>Login failed!</b>\n\nThe remote site rejected the stored credentials. Scanning for this account is paused for now.",
	}
	if err := o.notifier.Send(ctx, tenantID, msg); err != nil {
		o.log.Warn("auth failure notification failed",
			logx.String("tenant", tenantID), logx.Err(err))
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
