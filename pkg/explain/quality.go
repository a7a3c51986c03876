package explain

import "strings"

// Quality scoring is a pure function of the rendered explanation: the
// same input always yields the same score.

var evidenceIndicators = []string{
	"evidence", "observed", "detected", "matched", "recorded", "confirmed",
}

var reasoningConnectors = []string{
	"because", "therefore", "due to", "as a result", "which led to",
}

var fillerPhrases = []string{
	"it seems", "maybe", "possibly", "for some reason", "somehow",
}

// scoreText rates a prose explanation in [0,1]. Length carries the
// most weight, with an optimal band of 200 to 2000 characters.
func scoreText(text string) float64 {
	score := 0.1

	switch n := len(text); {
	case n >= 200 && n <= 2000:
		score += 0.4
	case n > 2000:
		score += 0.25
	case n >= 50:
		score += 0.15
	default:
		score += 0.05
	}

	lower := strings.ToLower(text)
	score += 0.06 * float64(countPresent(lower, evidenceIndicators, 5))
	score += 0.05 * float64(countPresent(lower, reasoningConnectors, 4))
	score -= 0.05 * float64(countPresent(lower, fillerPhrases, len(fillerPhrases)))

	return clamp01(score)
}

// structuredShape is the feature vector for structured scoring.
type structuredShape struct {
	TimelineEvents  int
	EvidenceItems   int
	AgentDecisions  int
	HasLinks        bool
	HasGroupedViews bool
}

// scoreStructured rates a structured or JSON explanation by count
// bands rather than prose features.
func scoreStructured(shape structuredShape) float64 {
	var score float64

	switch n := shape.TimelineEvents; {
	case n >= 3 && n <= 8:
		score += 0.3
	case n > 8:
		score += 0.25
	case n >= 1:
		score += 0.15
	}

	switch n := shape.EvidenceItems; {
	case n >= 2 && n <= 10:
		score += 0.3
	case n > 10:
		score += 0.25
	case n >= 1:
		score += 0.15
	}

	score += min(0.05*float64(shape.AgentDecisions), 0.2)
	if shape.HasLinks {
		score += 0.1
	}
	if shape.HasGroupedViews {
		score += 0.1
	}

	return clamp01(score)
}

func countPresent(lower string, phrases []string, limit int) int {
	count := 0
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			count++
			if count == limit {
				break
			}
		}
	}
	return count
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
