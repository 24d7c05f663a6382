package pipeline

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/callcoach/internal/model"
)

// Memories found by the offline heuristics carry this confidence.
const offlineMemoryConfidence = 0.75

// valueTail captures a phrase up to punctuation, a conjunction or end of line.
const valueTail = `([^.,!?;\n]+?)(?:\s+(?:and|but|so|because|since|who|which)\b|[.,!?;\n]|$)`

// fillerWords trail a value in speech without being part of it.
var fillerWords = map[string]bool{
	"now": true, "really": true, "actually": true, "too": true, "also": true,
	"anyway": true, "though": true, "currently": true, "still": true,
}

// trimFiller drops trailing filler words, keeping at least one word.
func trimFiller(v string) string {
	words := strings.Fields(v)
	for len(words) > 1 && fillerWords[strings.ToLower(words[len(words)-1])] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

type heuristic struct {
	key      string
	category string
	pattern  *regexp.Regexp
	title    bool
	// classify picks the key from the captured value; an empty key drops it.
	classify func(value string) string
}

var titleValue = cases.Title(language.English)

var petWords = map[string]bool{
	"dog": true, "dogs": true, "puppy": true, "cat": true, "cats": true, "kitten": true,
	"bird": true, "parrot": true, "fish": true, "hamster": true, "rabbit": true, "horse": true,
}

var familyWords = map[string]bool{
	"son": true, "daughter": true, "wife": true, "husband": true, "partner": true,
	"brother": true, "sister": true, "kid": true, "kids": true, "child": true, "children": true,
	"baby": true, "mother": true, "father": true, "mom": true, "dad": true,
	"grandson": true, "granddaughter": true,
}

var offlineHeuristics = []heuristic{
	{key: "name", category: model.CategoryFact, title: true,
		pattern: regexp.MustCompile(`(?im)\bmy name is ` + valueTail)},
	{key: "location", category: model.CategoryFact, title: true,
		pattern: regexp.MustCompile(`(?im)\bi live in ` + valueTail)},
	{key: "occupation", category: model.CategoryFact,
		pattern: regexp.MustCompile(`(?im)\bi work (?:as|at) (?:an? )?` + valueTail)},
	{key: "pets", category: model.CategoryRelation,
		pattern: regexp.MustCompile(`(?im)\bi have (?:a|an) ` + valueTail),
		classify: func(v string) string {
			switch {
			case hasWord(v, petWords):
				return "pets"
			case hasWord(v, familyWords):
				return "family"
			}
			return ""
		}},
	{key: "preference", category: model.CategoryPreference,
		pattern: regexp.MustCompile(`(?im)\bi (?:prefer|like) ` + valueTail)},
}

func hasWord(v string, words map[string]bool) bool {
	for _, w := range strings.Fields(strings.ToLower(v)) {
		if words[strings.Trim(w, `'"`)] {
			return true
		}
	}
	return false
}

// learnOffline runs the regex heuristics over the caller's turns. A finding is
// kept only when a learn action declares its category; that action's prefix
// is applied to the key.
func learnOffline(call *model.Call, specs []model.AnalysisSpec) [][]model.CallerMemory {
	text := splitTurns(call.Transcript).callerText()
	out := make([][]model.CallerMemory, len(specs))

	for i, spec := range specs {
		for _, h := range offlineHeuristics {
			action, ok := actionForCategory(spec, h.category)
			if !ok {
				continue
			}
			for _, m := range h.pattern.FindAllStringSubmatch(text, -1) {
				value := trimFiller(m[1])
				if value == "" {
					continue
				}
				key := h.key
				if h.classify != nil {
					if key = h.classify(value); key == "" {
						continue
					}
				}
				if h.title {
					value = titleValue.String(value)
				}
				out[i] = append(out[i], model.CallerMemory{
					CallerID:     call.CallerID,
					Key:          memoryKey(action, key),
					Value:        value,
					Category:     h.category,
					Confidence:   offlineMemoryConfidence,
					Evidence:     strings.TrimSpace(m[0]),
					SourceCallID: call.ID,
				})
			}
		}
	}
	return out
}

func actionForCategory(spec model.AnalysisSpec, category string) (model.Action, bool) {
	for _, ta := range spec.LearnActions() {
		if strings.EqualFold(ta.Action.LearnCategory, category) {
			return ta.Action, true
		}
	}
	return model.Action{}, false
}
