package prompts

import (
	_ "embed"
)

//go:embed system.txt
var DecisionSystemPrompt string

//go:embed decision.txt
var DecisionPrompt string
