package compose

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/rotisserie/eris"

	"github.com/sells-group/callcoach/internal/curriculum"
	"github.com/sells-group/callcoach/internal/model"
)

const textTemplate = `{{with .Preamble}}{{.}}

{{end -}}
You are speaking with {{callerName .Caller}}.
{{- if .Memories}}

## What you know about them
{{- range .Memories}}

### {{.Heading}}
{{- range .Items}}
- {{keyLabel .Key}}: {{.Value}}
{{- end}}
{{- end}}
{{- end}}
{{- if .Personality}}

## How they come across
{{- range .Personality}}
- {{.Name}}: {{lower .Level}} ({{printf "%.2f" .Value}})
{{- end}}
{{- end}}
{{- if .Behavior}}

## How to behave
{{- range .Behavior}}

### {{.Heading}}
{{- range .Targets}}
- {{.Name}}: {{lower .Level}}{{with .Guidance}}. {{.}}{{end}}
{{- end}}
{{- end}}
{{- end}}
{{- if .Curricula}}

## Learning progress
{{- range .Curricula}}
- {{or .Name .SpecSlug}}: {{with .ModuleTitle}}working on {{.}}, {{end}}module mastery {{pct .ModuleMastery}}, overall {{pct .AverageMastery}}, exam readiness {{readiness .ReadinessLevel}}
{{- end}}
{{- end}}
{{- if .RecentCalls}}

## Recent calls
{{- range .RecentCalls}}
- Call {{.Sequence}} on {{.Date.Format "2006-01-02"}}{{with .Reward}}, reward {{printf "%.2f" (deref .)}}{{end}}
{{- end}}
{{- end}}
`

var promptTemplate = template.Must(template.New("prompt").Funcs(template.FuncMap{
	"callerName": func(c CallerInfo) string {
		if c.Name != "" {
			return c.Name
		}
		return "a returning caller"
	},
	"deref":     func(p *float64) float64 { return *p },
	"keyLabel":  func(k string) string { return strings.ReplaceAll(k, "_", " ") },
	"lower":     func(l Level) string { return strings.ToLower(string(l)) },
	"pct":       func(v float64) string { return fmt.Sprintf("%.0f%%", v*100) },
	"readiness": func(l curriculum.ReadinessLevel) string { return strings.ReplaceAll(string(l), "_", " ") },
}).Parse(textTemplate))

// Render produces the prompt content in the requested format.
func Render(pc *Context, format model.PromptFormat) (string, error) {
	if format == model.PromptFormatJSON {
		b, err := json.MarshalIndent(pc, "", "  ")
		if err != nil {
			return "", eris.Wrap(err, "compose: encode payload")
		}
		return string(b), nil
	}
	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, pc); err != nil {
		return "", eris.Wrap(err, "compose: render text")
	}
	return strings.TrimSpace(buf.String()), nil
}
