package diff

// Threshold is a deadline reminder threshold. Values are totally ordered
// from widest to tightest window, which keeps the fire-once invariant easy
// to reason about: once a tag is recorded it never fires again.
type Threshold int

const (
	Within24h Threshold = iota
	Within3h
)

var thresholdTags = [...]string{
	Within24h: "24h",
	Within3h:  "3h",
}

func (t Threshold) Tag() string {
	if t < 0 || int(t) >= len(thresholdTags) {
		return ""
	}
	return thresholdTags[t]
}

// ThresholdFor maps remaining hours to the threshold that should fire.
// Tighter windows win: 0 < h <= 3 is "3h" even though it also satisfies
// the 24h window.
func ThresholdFor(hoursLeft float64) (Threshold, bool) {
	switch {
	case hoursLeft > 0 && hoursLeft <= 3:
		return Within3h, true
	case hoursLeft > 3 && hoursLeft <= 24:
		return Within24h, true
	default:
		return 0, false
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
