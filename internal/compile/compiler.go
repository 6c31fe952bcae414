// Package compile turns change events into one tenant-facing HTML message
// per resource. Delivery is someone else's job; compiling never does I/O
// beyond the optional predictor call.
package compile

import (
	"fmt"
	"html"
	"path"
	"strings"

	"coursewatch/internal/track"
)

type Compiler struct {
	predictor track.PerformancePredictor // optional
}

func New(predictor track.PerformancePredictor) *Compiler {
	return &Compiler{predictor: predictor}
}

// Compile groups the events under the resource's display name. ok is false
// when the event list is empty: no events, no message, no send.
// When a score event is present and a predictor is wired, its summary is
// appended.
func (c *Compiler) Compile(resourceName string, scores map[string]track.ScoreEntry, events []track.ChangeEvent) (track.Message, bool) {
	if len(events) == 0 {
		return track.Message{}, false
	}

	sections := make([]string, 0, len(events))
	hasScore := false
	for _, ev := range events {
		if ev.Category == track.CategoryScore {
			hasScore = true
		}
		if s := renderEvent(ev); s != "" {
			sections = append(sections, s)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📢 <b>%s</b>\n\n", esc(resourceName))
	b.WriteString(strings.Join(sections, "\n\n"))

	if hasScore && c.predictor != nil {
		if sum, ok := c.predictor.Summarize(scores); ok {
			fmt.Fprintf(&b, "\n\n📈 <b>Average:</b> <code>%.2f</code>", sum.Average)
			if sum.PredictedGrade != "" {
				fmt.Fprintf(&b, " | <b>Estimate:</b> <code>%s</code>", esc(sum.PredictedGrade))
			}
		}
	}

	return track.Message{
		Resource: resourceName,
		Text:     b.String(),
		Events:   len(events),
	}, true
}

func renderEvent(ev track.ChangeEvent) string {
	switch ev.Category {
	case track.CategoryScore:
		return renderScore(ev)
	case track.CategoryTask:
		return renderTask(ev)
	case track.CategoryAttachment:
		a := ev.Attachment.Attachment
		return fmt.Sprintf("%s <b>NEW FILE:</b> <a href='%s'>%s</a>", fileIcon(a.Name), a.URL, esc(a.Name))
	case track.CategoryBulletin:
		return renderBulletin(ev)
	case track.CategoryReminder:
		return renderReminder(ev.Reminder)
	}
	return ""
}

func renderScore(ev track.ChangeEvent) string {
	sc := ev.Score
	var b strings.Builder
	if ev.Kind == track.KindNew {
		fmt.Fprintf(&b, "📝 <b>NEW GRADE:</b> %s -> %s", esc(sc.Label), esc(sc.New))
	} else {
		fmt.Fprintf(&b, "🔄 <b>GRADE UPDATED:</b> %s\n%s ➡️ %s", esc(sc.Label), esc(sc.Old), esc(sc.New))
	}
	if details := scoreDetails(sc.Entry); details != "" {
		b.WriteString("\n")
		b.WriteString(details)
	}
	return b.String()
}

// scoreDetails renders weight and class statistics in a fixed order so
// messages are stable across scans.
func scoreDetails(e track.ScoreEntry) string {
	var parts []string
	if e.Weight != "" {
		parts = append(parts, "Weight: %"+esc(e.Weight))
	}
	for _, k := range []string{"Ortalama", "Std. Sapma", "Öğrenci Sayısı", "Sıralamanız"} {
		if v, ok := e.Stats[k]; ok && v != "" {
			parts = append(parts, esc(k)+": "+esc(v))
		}
	}
	return strings.Join(parts, " | ")
}

func renderTask(ev track.ChangeEvent) string {
	tc := ev.Task
	name := esc(tc.Task.Name)
	switch {
	case ev.Kind == track.KindNew:
		return fmt.Sprintf("📅 <b>NEW ASSIGNMENT:</b> <a href='%s'>%s</a>\nDue: %s",
			tc.Task.URL, name, esc(tc.Task.End))
	case tc.Field == track.TaskDeadline:
		return fmt.Sprintf("🕒 <b>DEADLINE CHANGED:</b> %s\n%s ➡️ %s",
			name, esc(tc.OldEnd), esc(tc.NewEnd))
	case tc.Field == track.TaskSubmission:
		status := "❌ SUBMISSION WITHDRAWN"
		if tc.NewSubmitted {
			status = "✅ SUBMITTED"
		}
		return fmt.Sprintf("🔄 <b>ASSIGNMENT STATUS:</b> %s\nStatus: %s", name, status)
	}
	return ""
}

func renderBulletin(ev track.ChangeEvent) string {
	b := ev.Bulletin.Bulletin
	switch ev.Kind {
	case track.KindNew, track.KindUpdated:
		label := "NEW ANNOUNCEMENT"
		if ev.Kind == track.KindUpdated {
			label = "ANNOUNCEMENT UPDATED"
		}
		s := fmt.Sprintf("📣 <b>%s:</b> <a href='%s'>%s</a>\n👤 %s | 📅 %s",
			label, b.URL, esc(b.Title), esc(b.Author), esc(b.Date))
		// Content arrives from the fetcher already sanitized to the
		// small HTML subset the delivery side accepts.
		if b.Content != "" {
			s += "\n\n" + b.Content
		}
		return s
	case track.KindRemoved:
		return fmt.Sprintf("🗑 <b>ANNOUNCEMENT REMOVED:</b> %s", esc(b.Title))
	}
	return ""
}

func renderReminder(rc *track.ReminderChange) string {
	head := "⏳ <b>DUE WITHIN 24 HOURS!</b>"
	if rc.Threshold == "3h" {
		head = "🚨 <b>DUE WITHIN 3 HOURS!</b>"
	}
	return fmt.Sprintf("%s (%s)\nDue: %s\n<a href='%s'>Open assignment</a>",
		head, esc(rc.Task.Name), esc(rc.Task.End), rc.Task.URL)
}

func fileIcon(name string) string {
	switch strings.ToLower(strings.TrimPrefix(path.Ext(name), ".")) {
	case "pdf":
		return "📕"
	case "ppt", "pptx":
		return "📊"
	case "doc", "docx":
		return "📄"
	case "xls", "xlsx", "csv":
		return "📈"
	case "zip", "rar", "7z", "tar", "gz":
		return "🗜"
	case "png", "jpg", "jpeg", "gif":
		return "🖼"
	case "mp4", "avi", "mkv":
		return "🎬"
	default:
		return "📎"
	}
}

func esc(s string) string { return html.EscapeString(s) }
