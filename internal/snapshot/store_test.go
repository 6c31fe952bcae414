package snapshot

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"coursewatch/internal/storage"
	"coursewatch/internal/track"
	"coursewatch/pkg/logx"
)

func testStore(t *testing.T) Store {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, logx.Nop())
}

func TestLoadMissingIsNotAnError(t *testing.T) {
	st := testStore(t)
	_, ok, err := st.Load(context.Background(), "t", "r")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatal("ok = true for missing snapshot")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	snap := track.ResourceSnapshot{
		Name: "BLG 102E",
		Scores: map[string]track.ScoreEntry{
			"Midterm": {Value: "70", Weight: "40", Stats: map[string]string{"Ortalama": "55"}},
		},
		Tasks: []track.Task{
			{ID: "9", Name: "hw2", End: "10 Ekim 2030 23:59", Reminders: []string{"24h"}},
		},
		Attachments: []track.Attachment{{URL: "u", Name: "slides.pdf"}},
		Bulletins:   []track.Bulletin{{ID: "3", Title: "Exam room", Content: "full body"}},
	}

	if err := st.Save(ctx, "t1", "course-1", snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := st.Load(ctx, "t1", "course-1")
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, snap) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, snap)
	}
}

func TestSaveReplacesWholeRow(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	first := track.ResourceSnapshot{
		Name:      "C",
		Scores:    map[string]track.ScoreEntry{"Quiz": {Value: "50"}},
		Bulletins: []track.Bulletin{{ID: "1", Title: "a"}},
	}
	if err := st.Save(ctx, "t", "r", first); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Second write omits scores entirely; the row must not keep them.
	second := track.ResourceSnapshot{Name: "C", Bulletins: []track.Bulletin{{ID: "2", Title: "b"}}}
	if err := st.Save(ctx, "t", "r", second); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, _, err := st.Load(ctx, "t", "r")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Scores) != 0 {
		t.Fatalf("stale scores survived the overwrite: %+v", got.Scores)
	}
	if len(got.Bulletins) != 1 || got.Bulletins[0].ID != "2" {
		t.Fatalf("bulletins = %+v, want only id 2", got.Bulletins)
	}
}

func TestDeleteAndResources(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	for _, r := range []string{"r1", "r2"} {
		if err := st.Save(ctx, "t", r, track.ResourceSnapshot{Name: r}); err != nil {
			t.Fatalf("Save %s: %v", r, err)
		}
	}
	ids, err := st.Resources(ctx, "t")
	if err != nil {
		t.Fatalf("Resources: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"r1", "r2"}) {
		t.Fatalf("Resources = %v", ids)
	}

	if err := st.Delete(ctx, "t", "r1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ids, err = st.Resources(ctx, "t")
	if err != nil {
		t.Fatalf("Resources: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"r2"}) {
		t.Fatalf("Resources after delete = %v", ids)
	}
}
