package interview

import (
	"strings"

	"github.com/dotsetgreg/biographer/pkg/memory"
)

// DefaultQuestionBank walks a life roughly in order. It backs the loop when
// the model never produces a usable question.
var DefaultQuestionBank = []string{
	"Where and when were you born?",
	"What do you remember about the home you grew up in?",
	"Who were the people who raised you, and what were they like?",
	"Did you have brothers or sisters? What was growing up with them like?",
	"What was school like for you?",
	"Who was your closest friend as a child?",
	"What did you want to be when you grew up?",
	"What was your first job?",
	"How did you meet your partner?",
	"What work are you proudest of?",
	"Which places have you called home over the years?",
	"What was the hardest period of your life, and how did you get through it?",
	"What traditions matter most to your family?",
	"What do you do to relax or have fun?",
	"What would you like the people who come after you to know?",
}

const closingFallbackQuestion = "Is there anything else you would like to tell me about your life?"

// Novelty is one minus the highest similarity between question and anything
// already asked.
func Novelty(question string, asked []string) float64 {
	maxSim := 0.0
	for _, prev := range asked {
		if sim := memory.Similarity(question, prev); sim > maxSim {
			maxSim = sim
		}
	}
	return 1 - maxSim
}

func firstUnasked(bank []string, asked []string) string {
	seen := make(map[string]struct{}, len(asked))
	for _, q := range asked {
		seen[memory.NormalizeText(q)] = struct{}{}
	}
	for _, q := range bank {
		if strings.TrimSpace(q) == "" {
			continue
		}
		if _, ok := seen[memory.NormalizeText(q)]; !ok {
			return q
		}
	}
	return closingFallbackQuestion
}
