package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sells-group/callcoach/internal/model"
)

var (
	speakerLine = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9 ._'-]{0,30}):\s*(.*)$`)
	sentenceEnd = regexp.MustCompile(`[.!?]+`)

	warmthMarkers = markerPattern("thank", "thanks", "thank you", "appreciate", "glad", "happy",
		"great", "wonderful", "lovely", "pleasure", "welcome", "awesome", "delighted", "love")
	empathyMarkers = markerPattern("i understand", "that sounds", "i'm sorry", "i am sorry",
		"i hear you", "that must", "makes sense", "i can imagine", "must be hard", "you feel")
	formalMarkers = markerPattern("please", "would you", "could you", "certainly", "kindly",
		"regards", "sir", "madam", "indeed", "shall", "may i")
	informalMarkers = markerPattern("hey", "yeah", "yep", "gonna", "wanna", "cool", "kinda",
		"sorta", "okay", "ok", "lol", "nope", "gotta")
)

var agentSpeakers = map[string]bool{"agent": true, "assistant": true, "ai": true}

func markerPattern(markers ...string) *regexp.Regexp {
	quoted := make([]string, len(markers))
	for i, m := range markers {
		quoted[i] = regexp.QuoteMeta(m)
	}
	return regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// turns is a transcript split by speaker. Without speaker labels both sides
// see the whole transcript as a single turn.
type turns struct {
	agent   []string
	caller  []string
	labeled bool
}

func splitTurns(transcript string) turns {
	var (
		t       turns
		current *[]string
	)
	for _, line := range strings.Split(transcript, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if m := speakerLine.FindStringSubmatch(line); m != nil {
			t.labeled = true
			if agentSpeakers[strings.ToLower(strings.TrimSpace(m[1]))] {
				current = &t.agent
			} else {
				current = &t.caller
			}
			*current = append(*current, strings.TrimSpace(m[2]))
			continue
		}
		if current != nil {
			last := len(*current) - 1
			(*current)[last] = strings.TrimSpace((*current)[last] + " " + strings.TrimSpace(line))
		}
	}
	if !t.labeled {
		if whole := strings.TrimSpace(transcript); whole != "" {
			t.agent = []string{whole}
			t.caller = []string{whole}
		}
	}
	return t
}

func (t turns) callerText() string { return strings.Join(t.caller, "\n") }

// lexicalScore scores a lexical parameter family from speaker turns and
// returns the score with a short evidence string.
func lexicalScore(f model.ParameterFamily, speaker []string) (float64, string) {
	text := strings.ToLower(strings.Join(speaker, "\n"))
	words := len(strings.Fields(text))

	switch f {
	case model.FamilyWarmth:
		n := len(warmthMarkers.FindAllStringIndex(text, -1))
		return ratio(n, 10), fmt.Sprintf("lexical: %d warmth markers", n)

	case model.FamilyEmpathy:
		n := len(empathyMarkers.FindAllStringIndex(text, -1))
		return ratio(n, 5), fmt.Sprintf("lexical: %d empathy markers", n)

	case model.FamilyDirectness:
		if words == 0 {
			return 0.5, "lexical: no words"
		}
		sentences := 0
		for _, s := range sentenceEnd.Split(text, -1) {
			if strings.TrimSpace(s) != "" {
				sentences++
			}
		}
		avg := float64(words) / float64(max(sentences, 1))
		return bucket(avg, []float64{8, 14, 20, 28}), fmt.Sprintf("lexical: %.1f words per sentence", avg)

	case model.FamilyPace:
		if len(speaker) == 0 || words == 0 {
			return 0.5, "lexical: no turns"
		}
		avg := float64(words) / float64(len(speaker))
		return bucket(avg, []float64{10, 20, 35, 50}), fmt.Sprintf("lexical: %.1f words per turn", avg)

	case model.FamilyFormality:
		formal := len(formalMarkers.FindAllStringIndex(text, -1))
		informal := len(informalMarkers.FindAllStringIndex(text, -1))
		if formal+informal == 0 {
			return 0.5, "lexical: no register markers"
		}
		return float64(formal) / float64(formal+informal),
			fmt.Sprintf("lexical: %d formal, %d informal markers", formal, informal)
	}
	return 0.5, "lexical: unsupported family " + string(f)
}

func ratio(n, full int) float64 {
	return model.Clamp01(float64(n) / float64(full))
}

// bucket maps v onto 0.9, 0.7, 0.5, 0.3 for each upper bound it fits under,
// and 0.1 above the last bound.
func bucket(v float64, bounds []float64) float64 {
	levels := []float64{0.9, 0.7, 0.5, 0.3}
	for i, b := range bounds {
		if v <= b && i < len(levels) {
			return levels[i]
		}
	}
	return 0.1
}
