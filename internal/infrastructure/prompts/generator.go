package prompts

import (
	"bytes"
	"text/template"
)

type ElementInfo struct {
	Ref   string
	Kind  string
	Label string
	Href  string
	Taken bool
}

type DecisionPromptData struct {
	AgentID  string
	URL      string
	Title    string
	Text     string
	Elements []ElementInfo
	More     int
	History  []string
	Explored []string
}

func GenerateDecisionPrompt(baseTemplate string, data DecisionPromptData) (string, error) {
	return render("decision", baseTemplate, data)
}

func GenerateSystemPrompt(baseTemplate, agentID string) (string, error) {
	return render("system", baseTemplate, struct{ AgentID string }{agentID})
}

func render(name, baseTemplate string, data any) (string, error) {
	tmpl, err := template.New(name).Parse(baseTemplate)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}
