package notify

import (
	"bytes"
	"fmt"
	"text/template"
)

var defaultBodies = map[string]string{
	TemplateItemUnlocked: `Hi,

"{{.item_title}}" in {{.sequence_name}} is now available.
`,
	TemplateSequenceCompleted: `Hi,

You completed every step of {{.sequence_name}}. Well done!
`,
}

var defaultSubjects = map[string]string{
	TemplateItemUnlocked:      "New content unlocked: {{.item_title}}",
	TemplateSequenceCompleted: "You finished {{.sequence_name}}",
}

// Renderer turns a template ref and its context into a subject and plain-text body.
type Renderer struct {
	subjects map[string]*template.Template
	bodies   map[string]*template.Template
}

// NewRenderer parses the built-in templates; subjects overrides subject lines by ref.
func NewRenderer(subjects map[string]string) (*Renderer, error) {
	r := &Renderer{
		subjects: make(map[string]*template.Template),
		bodies:   make(map[string]*template.Template),
	}
	merged := make(map[string]string, len(defaultSubjects)+len(subjects))
	for ref, text := range defaultSubjects {
		merged[ref] = text
	}
	for ref, text := range subjects {
		merged[ref] = text
	}
	for ref, text := range merged {
		tmpl, err := template.New(ref + ".subject").Option("missingkey=zero").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse subject %s: %w", ref, err)
		}
		r.subjects[ref] = tmpl
	}
	for ref, text := range defaultBodies {
		tmpl, err := template.New(ref + ".body").Option("missingkey=zero").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse body %s: %w", ref, err)
		}
		r.bodies[ref] = tmpl
	}
	return r, nil
}

func (r *Renderer) Render(msg Message) (string, string, error) {
	subject, ok := r.subjects[msg.TemplateRef]
	if !ok {
		return "", "", fmt.Errorf("unknown template %q", msg.TemplateRef)
	}
	body, ok := r.bodies[msg.TemplateRef]
	if !ok {
		body = r.bodies[TemplateItemUnlocked]
	}

	var subj, text bytes.Buffer
	if err := subject.Execute(&subj, msg.Context); err != nil {
		return "", "", err
	}
	if err := body.Execute(&text, msg.Context); err != nil {
		return "", "", err
	}
	return subj.String(), text.String(), nil
}
