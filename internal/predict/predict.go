// Package predict estimates course performance from the current score
// collection: a weighted (or simple) running average plus a letter-grade
// estimate derived from the T-score of the most recent entry that carries
// class statistics.
package predict

import (
	"sort"
	"strconv"
	"strings"

	"coursewatch/internal/track"
)

// Stats keys as published by the source. Only these two feed the letter
// estimate.
const (
	statMean   = "Ortalama"
	statStdDev = "Std. Sapma"
)

// Summary-row labels that must not feed the average.
var skipKeywords = []string{"ortal", "başarı notu", "toplam", "geçme notu"}

// Predictor implements track.PerformancePredictor.
type Predictor struct{}

func New() *Predictor { return &Predictor{} }

func (p *Predictor) Summarize(scores map[string]track.ScoreEntry) (track.Summary, bool) {
	if len(scores) == 0 {
		return track.Summary{}, false
	}

	labels := make([]string, 0, len(scores))
	for label := range scores {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var (
		weightedSum, classWeightedSum, totalWeight float64
		simpleSum, simpleClassSum                  float64
		count, classCount                          int
	)

	for _, label := range labels {
		if isSummaryRow(label) {
			continue
		}
		entry := scores[label]
		val, ok := parseNumber(entry.Value)
		if !ok {
			continue
		}

		classAvg, hasClassAvg := parseNumber(entry.Stats[statMean])
		weight, hasWeight := parseWeight(entry.Weight)

		if hasWeight && weight > 0 {
			weightedSum += val * weight / 100
			if hasClassAvg {
				classWeightedSum += classAvg * weight / 100
			}
			totalWeight += weight
		} else {
			simpleSum += val
			count++
			if hasClassAvg {
				simpleClassSum += classAvg
				classCount++
			}
		}
	}

	var sum track.Summary
	switch {
	case totalWeight > 0:
		sum.Average = weightedSum / (totalWeight / 100)
		if classWeightedSum > 0 {
			sum.ClassAverage = classWeightedSum / (totalWeight / 100)
			sum.HasClassAverage = true
		}
		sum.WeightEntered = totalWeight
	case count > 0:
		sum.Average = simpleSum / float64(count)
		if classCount > 0 {
			sum.ClassAverage = simpleClassSum / float64(classCount)
			sum.HasClassAverage = true
		}
	default:
		return track.Summary{}, false
	}

	// Letter estimate from the last entry (in label order) that has both
	// a class mean and a standard deviation.
	for i := len(labels) - 1; i >= 0; i-- {
		if isSummaryRow(labels[i]) {
			continue
		}
		stats := scores[labels[i]].Stats
		mean, okM := parseNumber(stats[statMean])
		std, okS := parseNumber(stats[statStdDev])
		if okM && okS {
			if letter, ok := letterFromTScore(sum.Average, mean, std); ok {
				sum.PredictedGrade = letter
			}
			break
		}
	}

	return sum, true
}

// letterFromTScore maps a T-score to the institutional grading scale.
func letterFromTScore(score, mean, std float64) (string, bool) {
	if std == 0 {
		return "", false
	}
	t := 10*(score-mean)/std + 50

	scale := []struct {
		min    float64
		letter string
	}{
		{60, "AA (4.00)"},
		{57.5, "BA+ (3.75)"},
		{55, "BA (3.50)"},
		{52.5, "BB+ (3.25)"},
		{50, "BB (3.00)"},
		{47.5, "CB+ (2.75)"},
		{45, "CB (2.50)"},
		{42.5, "CC+ (2.25)"},
		{40, "CC (2.00)"},
		{37.5, "DC+ (1.75)"},
		{35, "DC (1.50)"},
		{32.5, "DD+ (1.25)"},
		{30, "DD (1.00)"},
	}
	for _, s := range scale {
		if t >= s.min {
			return s.letter, true
		}
	}
	return "FF (0.00)", true
}

func isSummaryRow(label string) bool {
	l := strings.ToLower(label)
	for _, kw := range skipKeywords {
		if strings.Contains(l, kw) {
			return true
		}
	}
	return false
}

// parseNumber accepts both decimal comma and decimal point forms.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseWeight(s string) (float64, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "%", ""))
	return parseNumber(s)
}
