package interview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/biographer/pkg/logger"
	"github.com/dotsetgreg/biographer/pkg/memory"
	"github.com/dotsetgreg/biographer/pkg/providers"
)

// ActionKind is what one consideration round decided.
type ActionKind string

const (
	ActionAsk         ActionKind = "ask"
	ActionConsolidate ActionKind = "consolidate_and_continue"
	ActionEndTurn     ActionKind = "end_turn"
	ActionRecall      ActionKind = "recall"
)

// Action is a parsed model decision. Text carries the question, the closing
// message, or the recall query depending on Kind.
type Action struct {
	Kind ActionKind
	Text string
}

// ParseAction reads a model response. Anything that is not a recognised JSON
// action is taken as a plain-text question.
func ParseAction(raw string) Action {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Action{Kind: ActionAsk}
	}

	type wire struct {
		Action   string `json:"action"`
		Question string `json:"question"`
		Message  string `json:"message"`
		Query    string `json:"query"`
		Text     string `json:"text"`
	}
	decode := func(s string) (Action, bool) {
		var w wire
		if err := json.Unmarshal([]byte(s), &w); err != nil {
			return Action{}, false
		}
		pick := func(vals ...string) string {
			for _, v := range vals {
				if v = strings.TrimSpace(v); v != "" {
					return v
				}
			}
			return ""
		}
		switch ActionKind(strings.ToLower(strings.TrimSpace(w.Action))) {
		case ActionAsk:
			return Action{Kind: ActionAsk, Text: pick(w.Question, w.Text, w.Message)}, true
		case ActionConsolidate:
			return Action{Kind: ActionConsolidate}, true
		case ActionEndTurn:
			return Action{Kind: ActionEndTurn, Text: pick(w.Message, w.Text)}, true
		case ActionRecall:
			return Action{Kind: ActionRecall, Text: pick(w.Query, w.Text)}, true
		}
		if q := strings.TrimSpace(w.Question); q != "" {
			return Action{Kind: ActionAsk, Text: q}, true
		}
		if name := strings.TrimSpace(w.Action); name != "" {
			return Action{Kind: ActionKind(name)}, true
		}
		// valid JSON that says nothing usable
		return Action{Kind: ActionAsk}, true
	}

	if act, ok := decode(raw); ok {
		return act
	}
	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		if act, ok := decode(raw[start : end+1]); ok {
			return act
		}
	}
	return Action{Kind: ActionAsk, Text: strings.Trim(raw, "` \n")}
}

// Turn is everything one consideration needs. Consolidate may be nil.
type Turn struct {
	UserID      string
	Window      []memory.Event
	Memories    []memory.MemoryItem
	Asked       []string
	Consolidate func(ctx context.Context) error
}

// Decision is the loop's committed output.
type Decision struct {
	End        bool
	Text       string
	Iterations int
	Fallback   bool
	// Recalls are notes produced by recall actions, in order.
	Recalls []string
}

// Considerer runs the bounded reasoning rounds that pick the next question.
type Considerer struct {
	Generator     providers.Generator
	MaxIterations int
	MinNovelty    float64
	RecallItems   int
	MaxTokens     int
	Temperature   float64
	Bank          []string
}

func NewConsiderer(gen providers.Generator, maxIterations int, minNovelty float64) *Considerer {
	if maxIterations < 1 {
		maxIterations = 1
	}
	return &Considerer{
		Generator:     gen,
		MaxIterations: maxIterations,
		MinNovelty:    minNovelty,
		RecallItems:   6,
		Temperature:   0.7,
		Bank:          DefaultQuestionBank,
	}
}

type candidateQuestion struct {
	text    string
	novelty float64
}

// Consider returns the next interviewer action. Provider errors end the loop
// and are returned as is; the cap falls back to the best candidate seen, then
// to the question bank.
func (c *Considerer) Consider(ctx context.Context, turn Turn) (Decision, error) {
	if c.Generator == nil {
		return Decision{}, fmt.Errorf("considerer has no generator")
	}
	maxIter := c.MaxIterations
	if maxIter < 1 {
		maxIter = 1
	}

	recalled := memory.Recall(turn.Memories, latestAnswer(turn.Window), c.RecallItems)
	var notes, recalls []string
	var best *candidateQuestion

	for iteration := 1; iteration <= maxIter; iteration++ {
		logger.DebugCF("interview", "Consideration round",
			map[string]interface{}{
				"user_id":   turn.UserID,
				"iteration": iteration,
				"max":       maxIter,
			})

		raw, err := c.Generator.Generate(ctx, buildConsiderationPrompt(turn, recalled, notes), providers.Constraints{
			System:      considerationSystemPrompt,
			MaxTokens:   c.MaxTokens,
			Temperature: c.Temperature,
			JSON:        true,
		})
		if err != nil {
			logger.ErrorCF("interview", "Consideration model call failed",
				map[string]interface{}{
					"user_id":   turn.UserID,
					"iteration": iteration,
					"error":     err.Error(),
				})
			return Decision{}, fmt.Errorf("consideration round %d: %w", iteration, err)
		}

		act := ParseAction(raw)
		switch act.Kind {
		case ActionAsk:
			q := strings.TrimSpace(act.Text)
			if q == "" {
				notes = append(notes, "The last round produced no question. Ask one.")
				continue
			}
			novelty := Novelty(q, turn.Asked)
			if novelty >= c.MinNovelty {
				return Decision{Text: q, Iterations: iteration, Recalls: recalls}, nil
			}
			if best == nil || novelty > best.novelty {
				best = &candidateQuestion{text: q, novelty: novelty}
			}
			notes = append(notes, fmt.Sprintf("%q repeats an earlier question. Ask about something not yet covered.", q))

		case ActionConsolidate:
			if turn.Consolidate == nil {
				notes = append(notes, "Memory consolidation is not available right now. Continue the interview.")
				continue
			}
			if err := turn.Consolidate(ctx); err != nil {
				if !errors.Is(err, ErrConsolidationDeferred) {
					return Decision{}, err
				}
				notes = append(notes, "Memory consolidation was deferred; the answers are kept. Continue the interview.")
				continue
			}
			notes = append(notes, "Memory consolidated. Continue the interview.")

		case ActionEndTurn:
			msg := strings.TrimSpace(act.Text)
			if msg == "" {
				msg = "Thank you for sharing your story today. Let's continue another time."
			}
			return Decision{End: true, Text: msg, Iterations: iteration, Recalls: recalls}, nil

		case ActionRecall:
			note := recallNote(act.Text, memory.Recall(turn.Memories, act.Text, c.RecallItems))
			notes = append(notes, note)
			recalls = append(recalls, note)

		default:
			notes = append(notes, fmt.Sprintf("Unknown action %q.", act.Kind))
		}
	}

	if best != nil {
		logger.WarnCF("interview", "Consideration cap reached; using best candidate",
			map[string]interface{}{
				"user_id": turn.UserID,
				"novelty": best.novelty,
			})
		return Decision{Text: best.text, Iterations: maxIter, Fallback: true, Recalls: recalls}, nil
	}
	q := firstUnasked(c.Bank, turn.Asked)
	logger.WarnCF("interview", "Consideration cap reached; using question bank",
		map[string]interface{}{"user_id": turn.UserID})
	return Decision{Text: q, Iterations: maxIter, Fallback: true, Recalls: recalls}, nil
}

func latestAnswer(window []memory.Event) string {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].CountsTowardConsolidation() {
			return window[i].Content
		}
	}
	return ""
}

func recallNote(query string, items []memory.MemoryItem) string {
	if len(items) == 0 {
		return fmt.Sprintf("Recall %q: nothing on record.", query)
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, it.Text)
	}
	return fmt.Sprintf("Recall %q: %s", query, strings.Join(parts, "; "))
}
