package compose

// Level is a coarse reading of a [0,1] value.
type Level string

const (
	LevelHigh     Level = "HIGH"
	LevelModerate Level = "MODERATE"
	LevelLow      Level = "LOW"
)

// ClassifyValue returns HIGH at or above high, LOW at or below low and
// MODERATE in between. Thresholds are taken per call.
func ClassifyValue(v, high, low float64) Level {
	switch {
	case v >= high:
		return LevelHigh
	case v <= low:
		return LevelLow
	default:
		return LevelModerate
	}
}
