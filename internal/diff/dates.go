package diff

import (
	"strconv"
	"strings"
	"time"
)

// The source renders deadlines with Turkish month names, e.g.
// "10 Ekim 2025 23:59".
var turkishMonths = map[string]time.Month{
	"ocak":    time.January,
	"şubat":   time.February,
	"subat":   time.February,
	"mart":    time.March,
	"nisan":   time.April,
	"mayıs":   time.May,
	"mayis":   time.May,
	"haziran": time.June,
	"temmuz":  time.July,
	"ağustos": time.August,
	"agustos": time.August,
	"eylül":   time.September,
	"eylul":   time.September,
	"ekim":    time.October,
	"kasım":   time.November,
	"kasim":   time.November,
	"aralık":  time.December,
	"aralik":  time.December,
}

var deadlineLayouts = []string{
	"02.01.2006 15:04",
	"2006-01-02 15:04",
	time.RFC3339,
}

// ParseDeadline parses a task deadline string. ok is false when the value
// is empty or in no recognized form; callers degrade gracefully (reminder
// tags are carried forward unchanged, nothing fires).
func ParseDeadline(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if t, ok := parseTurkishDate(s); ok {
		return t, true
	}
	for _, layout := range deadlineLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseTurkishDate handles "10 Ekim 2025 00:00" style values.
func parseTurkishDate(s string) (time.Time, bool) {
	parts := strings.Fields(s)
	if len(parts) < 4 {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, false
	}
	month, ok := turkishMonths[strings.ToLower(parts[1])]
	if !ok {
		return time.Time{}, false
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return time.Time{}, false
	}
	hm := strings.SplitN(parts[3], ":", 2)
	if len(hm) != 2 {
		return time.Time{}, false
	}
	hour, err := strconv.Atoi(hm[0])
	if err != nil || hour < 0 || hour > 23 {
		return time.Time{}, false
	}
	minute, err := strconv.Atoi(hm[1])
	if err != nil || minute < 0 || minute > 59 {
		return time.Time{}, false
	}
	if day < 1 || day > 31 {
		return time.Time{}, false
	}
	return time.Date(year, month, day, hour, minute, 0, 0, time.Local), true
}
