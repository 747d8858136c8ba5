package streaming

import "testing"

func testTargetConfig() TargetConfig {
	return TargetConfig{MinAbsoluteScore: 0.55, MinScoreGapRatio: 0.15, ExactMatchBoost: 0.2, MaxRawScore: 100}
}

func TestNormalize(t *testing.T) {
	cfg := testTargetConfig()
	cases := []struct {
		raw  float64
		want float64
	}{
		{50, 0.5},
		{100, 1.0},
		{150, 1.0},
		{-10, 0},
	}
	for _, c := range cases {
		if got := normalize(c.raw, cfg); got != c.want {
			t.Errorf("normalize(%v) = %v, want %v", c.raw, got, c.want)
		}
	}
}

func TestIdentifyPrimary_ClearWinnerQualifies(t *testing.T) {
	cfg := testTargetConfig()
	results := []RankedResult{
		{ID: "a1", Type: ResultArtist, Name: "Radiohead", RawScore: 90},
		{ID: "a2", Type: ResultArtist, Name: "Radio X", RawScore: 40},
	}
	item, confidence, ok := identifyPrimary(results, ResultArtist, "radiohead", cfg)
	if !ok {
		t.Fatal("expected the clear winner to qualify as primary")
	}
	if item.ID != "a1" {
		t.Errorf("ID = %q, want %q", item.ID, "a1")
	}
	wantConfidence := 1.0 // 0.9 + 0.2 boost clamped to 1.0
	if confidence != wantConfidence {
		t.Errorf("confidence = %v, want %v", confidence, wantConfidence)
	}
}

func TestIdentifyPrimary_NoExactMatchNoBoost(t *testing.T) {
	cfg := testTargetConfig()
	results := []RankedResult{
		{ID: "a1", Type: ResultArtist, Name: "Radiohead", RawScore: 90},
	}
	_, confidence, ok := identifyPrimary(results, ResultArtist, "some other query", cfg)
	if !ok {
		t.Fatal("expected to qualify")
	}
	if confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", confidence)
	}
}

func TestIdentifyPrimary_NarrowGapDisqualifies(t *testing.T) {
	cfg := testTargetConfig()
	results := []RankedResult{
		{ID: "a1", Type: ResultArtist, Name: "A", RawScore: 80},
		{ID: "a2", Type: ResultArtist, Name: "B", RawScore: 78},
	}
	_, _, ok := identifyPrimary(results, ResultArtist, "q", cfg)
	if ok {
		t.Error("expected a narrow gap between top two results to disqualify the primary")
	}
}

func TestIdentifyPrimary_BelowAbsoluteScoreDisqualifies(t *testing.T) {
	cfg := testTargetConfig()
	results := []RankedResult{
		{ID: "a1", Type: ResultArtist, Name: "A", RawScore: 30},
	}
	_, _, ok := identifyPrimary(results, ResultArtist, "q", cfg)
	if ok {
		t.Error("expected a low absolute score to disqualify the primary")
	}
}

func TestIdentifyPrimary_NoResultsOfType(t *testing.T) {
	cfg := testTargetConfig()
	_, _, ok := identifyPrimary(nil, ResultArtist, "q", cfg)
	if ok {
		t.Error("expected no qualifying primary when there are no results of that type")
	}
}

func TestIdentifyPrimary_SingleResultTreatsGapAsFullScore(t *testing.T) {
	cfg := testTargetConfig()
	results := []RankedResult{{ID: "a1", Type: ResultArtist, Name: "A", RawScore: 80}}
	_, _, ok := identifyPrimary(results, ResultArtist, "q", cfg)
	if !ok {
		t.Error("a single result clearing the absolute bar should qualify as primary")
	}
}
