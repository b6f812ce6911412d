package oracle

import (
	"strings"

	"github.com/ShayCichocki/steward/internal/textsim"
)

// Proximity estimates how close the evidence is to the goal as the share
// of goal tokens the evidence mentions. It is the fallback when the model
// cannot be reached.
func Proximity(goal string, evidence ...string) float64 {
	return textsim.Overlap(textsim.Tokenize(goal), textsim.Tokenize(strings.Join(evidence, " ")))
}

// PromptEvidence collects the text Proximity compares against the goal:
// descriptions and summaries of successful tasks, plus the finished task.
func PromptEvidence(p Prompt) []string {
	var out []string
	if t := p.Task; t != nil && t.Result != nil && t.Result.Success {
		out = append(out, t.Description)
		out = append(out, t.Result.Steps...)
	}
	for _, h := range p.History {
		if h.Success {
			out = append(out, h.Description, h.Summary)
		}
	}
	return out
}
