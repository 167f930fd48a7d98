package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var storyTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"join": strings.Join,
	}

	templateContent, err := templateFS.ReadFile("templates/story.html")
	if err != nil {
		// Fallback to built-in template if file not found
		storyTemplate = template.Must(template.New("story").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	storyTemplate = template.Must(template.New("story").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for story template rendering
type TemplateData struct {
	Title        string
	EventDate    time.Time
	Participants []string
	PublishedAt  *time.Time
	Perspectives []TemplatePerspective
}

// TemplatePerspective holds one participant's section
type TemplatePerspective struct {
	Author        string
	Mood          string
	NarrativeHTML template.HTML
	PhotoCount    int
}

// RenderStoryHTML renders the story template with provided data
func RenderStoryHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := storyTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// narrativeToHTML converts plain narrative text to paragraphs, escaping
// any markup the author typed.
func narrativeToHTML(narrative string) template.HTML {
	var b strings.Builder
	for _, block := range strings.Split(narrative, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		b.WriteString("<p>")
		lines := strings.Split(block, "\n")
		for i, line := range lines {
			if i > 0 {
				b.WriteString("<br>")
			}
			b.WriteString(template.HTMLEscapeString(line))
		}
		b.WriteString("</p>\n")
	}
	return template.HTML(b.String())
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .perspective { margin: 1.5rem 0; padding: 1rem; border-left: 3px solid #333; }
    .mood { font-style: italic; color: #888; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.EventDate.Format "January 2, 2006"}} | {{join .Participants ", "}}</div>
  {{range .Perspectives}}
  <div class="perspective">
    <h2>{{.Author}}</h2>
    {{if .Mood}}<div class="mood">{{.Mood}}</div>{{end}}
    <div>{{.NarrativeHTML}}</div>
    {{if .PhotoCount}}<div class="meta">{{.PhotoCount}} photo(s)</div>{{end}}
  </div>
  {{end}}
</body>
</html>`
