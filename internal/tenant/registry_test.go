package tenant

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"coursewatch/internal/storage"
	"coursewatch/internal/track"
	"coursewatch/pkg/logx"
)

func testRegistry(t *testing.T, dec Decrypter) *Registry {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, dec, logx.Nop())
}

func TestTrackedResourcesKeepOrder(t *testing.T) {
	r := testRegistry(t, nil)
	ctx := context.Background()

	if err := r.Upsert(ctx, "100", "ayse", "s3cret"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Insert out of lexical order; stored order must win.
	for _, res := range []string{"zeta", "alpha", "mid"} {
		if err := r.Track(ctx, "100", res); err != nil {
			t.Fatalf("Track %s: %v", res, err)
		}
	}
	// Re-tracking must not move the resource.
	if err := r.Track(ctx, "100", "zeta"); err != nil {
		t.Fatalf("Track again: %v", err)
	}

	got, err := r.TrackedResources(ctx, "100")
	if err != nil {
		t.Fatalf("TrackedResources: %v", err)
	}
	want := []string{"zeta", "alpha", "mid"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}

	if err := r.Untrack(ctx, "100", "alpha"); err != nil {
		t.Fatalf("Untrack: %v", err)
	}
	got, _ = r.TrackedResources(ctx, "100")
	if !reflect.DeepEqual(got, []string{"zeta", "mid"}) {
		t.Fatalf("after untrack = %v", got)
	}
}

func TestDecryptGoesThroughDecrypter(t *testing.T) {
	r := testRegistry(t, func(secret string) (string, error) {
		if secret != "opaque" {
			return "", errors.New("unexpected at-rest form")
		}
		return "plain", nil
	})
	ctx := context.Background()

	if err := r.Upsert(ctx, "1", "user", "opaque"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	username, secret, err := r.Decrypt(ctx, "1")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if username != "user" || secret != "plain" {
		t.Fatalf("got %q/%q", username, secret)
	}

	if _, _, err := r.Decrypt(ctx, "missing"); !errors.Is(err, track.ErrTenantNotFound) {
		t.Fatalf("missing tenant err = %v, want ErrTenantNotFound", err)
	}
}

func TestTouchLastScan(t *testing.T) {
	r := testRegistry(t, nil)
	ctx := context.Background()

	if err := r.Upsert(ctx, "1", "u", "s"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	at := time.Date(2026, time.March, 5, 10, 30, 0, 0, time.UTC)
	if err := r.TouchLastScan(ctx, "1", at); err != nil {
		t.Fatalf("TouchLastScan: %v", err)
	}

	got, ok, err := r.Get(ctx, "1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if !got.LastScan.Equal(at) {
		t.Fatalf("LastScan = %v, want %v", got.LastScan, at)
	}
}

func TestListIncludesResources(t *testing.T) {
	r := testRegistry(t, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := r.Upsert(ctx, id, "u-"+id, "s"); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	if err := r.Track(ctx, "b", "course-9"); err != nil {
		t.Fatalf("Track: %v", err)
	}

	tenants, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tenants) != 2 {
		t.Fatalf("len = %d, want 2", len(tenants))
	}
	if len(tenants[0].Resources) != 0 {
		t.Fatalf("tenant a resources = %v", tenants[0].Resources)
	}
	if !reflect.DeepEqual(tenants[1].Resources, []string{"course-9"}) {
		t.Fatalf("tenant b resources = %v", tenants[1].Resources)
	}
}
