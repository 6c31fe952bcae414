package track

import (
	"net/http"
	"time"
)

// Tenant is one tracked account. Secret stays in its opaque at-rest form;
// decryption is delegated to a CredentialStore.
type Tenant struct {
	ID        string
	Username  string
	Secret    string
	Resources []string
	LastScan  time.Time
}

// HasCredentials reports whether the tenant can be scanned at all.
func (t Tenant) HasCredentials() bool {
	return t.Username != "" && t.Secret != ""
}

// Session is an ephemeral authenticated handle bound to one tenant. It is
// created lazily, reused across scan cycles while valid, and never
// persisted. Owned exclusively by the session manager.
type Session struct {
	TenantID  string
	HTTP      *http.Client
	CreatedAt time.Time
}

// ResourceSnapshot is the last-known record collection for one
// (tenant, resource) pair. A snapshot overwrite is always whole-struct,
// never per-category.
//
// Join keys for diffing: Scores by label, Tasks and Bulletins by ID,
// Attachments by URL.
type ResourceSnapshot struct {
	Name        string                `json:"name"`
	Scores      map[string]ScoreEntry `json:"scores,omitempty"`
	Tasks       []Task                `json:"tasks,omitempty"`
	Attachments []Attachment          `json:"attachments,omitempty"`
	Bulletins   []Bulletin            `json:"bulletins,omitempty"`
}

// ScoreEntry is one graded item. Stats holds source-side metadata such as
// class average and standard deviation; it never participates in change
// detection.
type ScoreEntry struct {
	Value  string            `json:"value"`
	Weight string            `json:"weight,omitempty"`
	Stats  map[string]string `json:"stats,omitempty"`
}

// Task is one assignment. Reminders records fired deadline thresholds and
// only ever grows while the task stays tracked.
type Task struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	URL       string   `json:"url,omitempty"`
	Start     string   `json:"start,omitempty"`
	End       string   `json:"end,omitempty"`
	Submitted bool     `json:"submitted"`
	Reminders []string `json:"reminders,omitempty"`
}

type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Date string `json:"date,omitempty"`
}

// Bulletin is one announcement. Content is fetched once from the detail
// page and then carried forward across snapshots.
type Bulletin struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Author  string `json:"author,omitempty"`
	Date    string `json:"date,omitempty"`
	URL     string `json:"url,omitempty"`
	Content string `json:"content,omitempty"`
}

type Category string

const (
	CategoryScore      Category = "score"
	CategoryTask       Category = "task"
	CategoryAttachment Category = "attachment"
	CategoryBulletin   Category = "bulletin"
	CategoryReminder   Category = "reminder"
)

type Kind string

const (
	KindNew     Kind = "new"
	KindUpdated Kind = "updated"
	KindRemoved Kind = "removed"
)

// ChangeEvent is one detected change. Exactly one payload pointer matching
// Category is set. Events are transient: produced and consumed within a
// single scan pass.
type ChangeEvent struct {
	Category Category
	Kind     Kind

	Score      *ScoreChange
	Task       *TaskChange
	Attachment *AttachmentChange
	Bulletin   *BulletinChange
	Reminder   *ReminderChange
}

type ScoreChange struct {
	Label string
	Old   string
	New   string
	Entry ScoreEntry
}

// TaskField names the aspect of a task that changed.
type TaskField string

const (
	TaskDeadline   TaskField = "deadline"
	TaskSubmission TaskField = "submission"
)

type TaskChange struct {
	Task  Task
	Field TaskField

	OldEnd string
	NewEnd string

	OldSubmitted bool
	NewSubmitted bool
}

type AttachmentChange struct {
	Attachment Attachment
}

type BulletinChange struct {
	Bulletin Bulletin
}

type ReminderChange struct {
	Task      Task
	Threshold string
	HoursLeft float64
}

// Message is one compiled tenant-facing notification batch, HTML-formatted.
type Message struct {
	Resource string
	Text     string
	Events   int
}

// ScanResult reports the outcome of an on-demand scan.
type ScanResult struct {
	Success bool
	Changes int
	Message string
}

// Summary is the performance predictor output attached to score
// notifications.
type Summary struct {
	Average         float64
	ClassAverage    float64
	HasClassAverage bool
	PredictedGrade  string
	WeightEntered   float64
}
