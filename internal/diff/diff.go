// Package diff compares a fetched resource state against the persisted
// snapshot and produces typed change events plus the merged snapshot to
// persist. It is pure: no I/O, no clock reads (callers pass now).
package diff

import (
	"sort"
	"time"

	"coursewatch/internal/track"
)

// ComputeChanges diffs curr against prev and returns the change events in
// deterministic order (scores, then tasks with each task's change events
// before its reminder, then attachments, then bulletins new/updated/removed)
// together with the merged snapshot.
//
// The merged snapshot is curr with fields carried forward from prev where
// curr lacks them: bulletin content and task reminder tags. New and updated
// bulletins come back with empty content; filling them in is the caller's
// job, since content lives behind a remote detail page.
func ComputeChanges(prev, curr track.ResourceSnapshot, now time.Time) ([]track.ChangeEvent, track.ResourceSnapshot) {
	merged := curr
	merged.Tasks = append([]track.Task(nil), curr.Tasks...)
	merged.Bulletins = append([]track.Bulletin(nil), curr.Bulletins...)

	var events []track.ChangeEvent
	events = append(events, diffScores(prev.Scores, curr.Scores)...)
	events = append(events, diffTasks(prev.Tasks, merged.Tasks, now)...)
	events = append(events, diffAttachments(prev.Attachments, curr.Attachments)...)
	events = append(events, diffBulletins(prev.Bulletins, merged.Bulletins)...)
	return events, merged
}

// diffScores reports new labels and value changes. Metadata-only changes
// (class average, rank, ...) are not changes: only Value counts. Labels
// that disappeared are not reported either; scores are append-only in the
// source domain.
//
// Labels are visited in sorted order so event order is deterministic.
func diffScores(prev, curr map[string]track.ScoreEntry) []track.ChangeEvent {
	labels := make([]string, 0, len(curr))
	for label := range curr {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var events []track.ChangeEvent
	for _, label := range labels {
		entry := curr[label]
		old, ok := prev[label]
		if !ok {
			events = append(events, track.ChangeEvent{
				Category: track.CategoryScore,
				Kind:     track.KindNew,
				Score:    &track.ScoreChange{Label: label, New: entry.Value, Entry: entry},
			})
			continue
		}
		if old.Value != entry.Value {
			events = append(events, track.ChangeEvent{
				Category: track.CategoryScore,
				Kind:     track.KindUpdated,
				Score:    &track.ScoreChange{Label: label, Old: old.Value, New: entry.Value, Entry: entry},
			})
		}
	}
	return events
}

// diffTasks joins by id. For an existing task, a deadline change and a
// submitted flip are reported as separate updated events. The reminder pass
// then runs on every current unsubmitted task regardless of whether a
// change event fired, mutating the merged task's reminder tags in place.
func diffTasks(prev, curr []track.Task, now time.Time) []track.ChangeEvent {
	prevByID := make(map[string]track.Task, len(prev))
	for _, t := range prev {
		prevByID[t.ID] = t
	}

	var events []track.ChangeEvent
	for i := range curr {
		t := &curr[i]
		old, known := prevByID[t.ID]
		if !known {
			events = append(events, track.ChangeEvent{
				Category: track.CategoryTask,
				Kind:     track.KindNew,
				Task:     &track.TaskChange{Task: *t},
			})
		} else {
			// Reminder tags live only in the snapshot; the fetcher
			// cannot know them. Carry them forward before the
			// reminder pass below.
			t.Reminders = append([]string(nil), old.Reminders...)

			if t.End != old.End {
				events = append(events, track.ChangeEvent{
					Category: track.CategoryTask,
					Kind:     track.KindUpdated,
					Task: &track.TaskChange{
						Task:   *t,
						Field:  track.TaskDeadline,
						OldEnd: old.End,
						NewEnd: t.End,
					},
				})
			}
			if t.Submitted != old.Submitted {
				events = append(events, track.ChangeEvent{
					Category: track.CategoryTask,
					Kind:     track.KindUpdated,
					Task: &track.TaskChange{
						Task:         *t,
						Field:        track.TaskSubmission,
						OldSubmitted: old.Submitted,
						NewSubmitted: t.Submitted,
					},
				})
			}
		}

		if ev, fired := remind(t, now); fired {
			events = append(events, ev)
		}
	}
	return events
}

// remind fires at most one reminder for the task and records its tag. A
// tag never fires twice and is never removed while the task is tracked.
// Unparseable deadlines degrade gracefully: tags stay as carried, nothing
// fires.
func remind(t *track.Task, now time.Time) (track.ChangeEvent, bool) {
	if t.Submitted {
		return track.ChangeEvent{}, false
	}
	deadline, ok := ParseDeadline(t.End)
	if !ok {
		return track.ChangeEvent{}, false
	}

	hoursLeft := deadline.Sub(now).Hours()
	th, ok := ThresholdFor(hoursLeft)
	if !ok || hasTag(t.Reminders, th.Tag()) {
		return track.ChangeEvent{}, false
	}

	t.Reminders = append(t.Reminders, th.Tag())
	return track.ChangeEvent{
		Category: track.CategoryReminder,
		Kind:     track.KindNew,
		Reminder: &track.ReminderChange{
			Task:      *t,
			Threshold: th.Tag(),
			HoursLeft: hoursLeft,
		},
	}, true
}

// diffAttachments joins by url and reports only new urls. A changed name
// or date under the same url is intentionally ignored: re-uploads touch
// metadata constantly and reporting them would be pure noise.
func diffAttachments(prev, curr []track.Attachment) []track.ChangeEvent {
	known := make(map[string]struct{}, len(prev))
	for _, a := range prev {
		known[a.URL] = struct{}{}
	}

	var events []track.ChangeEvent
	for _, a := range curr {
		if _, ok := known[a.URL]; ok {
			continue
		}
		events = append(events, track.ChangeEvent{
			Category:   track.CategoryAttachment,
			Kind:       track.KindNew,
			Attachment: &track.AttachmentChange{Attachment: a},
		})
	}
	return events
}

// diffBulletins joins by id and emits new, then updated, then removed.
// Unchanged bulletins keep the previously fetched content; new and updated
// ones are emitted with empty content, which the orchestrator fills from
// the detail page before compiling.
func diffBulletins(prev, curr []track.Bulletin) []track.ChangeEvent {
	prevByID := make(map[string]track.Bulletin, len(prev))
	for _, b := range prev {
		prevByID[b.ID] = b
	}
	currIDs := make(map[string]struct{}, len(curr))

	var added, updated, removed []track.ChangeEvent
	for i := range curr {
		b := &curr[i]
		currIDs[b.ID] = struct{}{}

		old, known := prevByID[b.ID]
		if !known {
			b.Content = ""
			added = append(added, track.ChangeEvent{
				Category: track.CategoryBulletin,
				Kind:     track.KindNew,
				Bulletin: &track.BulletinChange{Bulletin: *b},
			})
			continue
		}
		if b.Title != old.Title || b.Author != old.Author || b.Date != old.Date {
			b.Content = ""
			updated = append(updated, track.ChangeEvent{
				Category: track.CategoryBulletin,
				Kind:     track.KindUpdated,
				Bulletin: &track.BulletinChange{Bulletin: *b},
			})
			continue
		}
		b.Content = old.Content
	}

	for _, b := range prev {
		if _, ok := currIDs[b.ID]; !ok {
			removed = append(removed, track.ChangeEvent{
				Category: track.CategoryBulletin,
				Kind:     track.KindRemoved,
				Bulletin: &track.BulletinChange{Bulletin: b},
			})
		}
	}

	events := added
	events = append(events, updated...)
	events = append(events, removed...)
	return events
}
