package streaming

import "strings"

// normalize maps a raw score into [0, 1] by dividing by the configured
// max raw score; scores above max clamp to 1.0.
func normalize(raw float64, cfg TargetConfig) float64 {
	if cfg.MaxRawScore <= 0 {
		return 0
	}
	n := raw / cfg.MaxRawScore
	if n > 1.0 {
		return 1.0
	}
	if n < 0 {
		return 0
	}
	return n
}

func isExactMatch(name, query string) bool {
	return strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(query))
}

// identifyPrimary finds the best result of the given type and decides
// whether it clears the "clear winner" bar: normalized score at or above
// MinAbsoluteScore, and a gap to the runner-up at or above
// MinScoreGapRatio of the top score. An exact case-insensitive name match
// against query adds ExactMatchBoost to the reported confidence, clamped
// to 1.0.
func identifyPrimary(results []RankedResult, t ResultType, query string, cfg TargetConfig) (*RankedResult, float64, bool) {
	var ofType []RankedResult
	for _, r := range results {
		if r.Type == t {
			ofType = append(ofType, r)
		}
	}
	if len(ofType) == 0 {
		return nil, 0, false
	}

	bestIdx := 0
	for i, r := range ofType {
		if normalize(r.RawScore, cfg) > normalize(ofType[bestIdx].RawScore, cfg) {
			bestIdx = i
		}
	}
	top := ofType[bestIdx]
	topScore := normalize(top.RawScore, cfg)

	second := 0.0
	for i, r := range ofType {
		if i == bestIdx {
			continue
		}
		if s := normalize(r.RawScore, cfg); s > second {
			second = s
		}
	}

	gap := topScore - second
	qualifies := topScore >= cfg.MinAbsoluteScore && gap >= cfg.MinScoreGapRatio*topScore

	confidence := topScore
	if isExactMatch(top.Name, query) {
		confidence += cfg.ExactMatchBoost
		if confidence > 1.0 {
			confidence = 1.0
		}
	}

	result := top
	return &result, confidence, qualifies
}
