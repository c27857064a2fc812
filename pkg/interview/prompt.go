package interview

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/biographer/pkg/memory"
)

const considerationSystemPrompt = `You are a warm, patient biographer interviewing someone about their life.
Each reply must be one JSON object choosing a single action:
  {"action":"ask","question":"..."}              ask the next question
  {"action":"recall","query":"..."}               look up what you already know
  {"action":"consolidate_and_continue"}           save what was just said to memory
  {"action":"end_turn","message":"..."}           close the session with a goodbye
Ask one short open question at a time. Follow up on what the subject just said
before moving to a new period of their life. Never repeat a question already asked.
If the subject skipped a question, move to a different topic. Only end the session
when the subject asks to stop.`

const (
	maxPromptAsked    = 20
	maxPromptNoteSize = 600
)

func buildConsiderationPrompt(turn Turn, recalled []memory.MemoryItem, notes []string) string {
	var b strings.Builder

	if len(recalled) > 0 {
		b.WriteString("What you know about the subject:\n")
		for _, it := range recalled {
			if it.Title != "" {
				fmt.Fprintf(&b, "- %s: %s\n", it.Title, it.Text)
			} else {
				fmt.Fprintf(&b, "- %s\n", it.Text)
			}
		}
		b.WriteString("\n")
	}

	if asked := tail(turn.Asked, maxPromptAsked); len(asked) > 0 {
		b.WriteString("Questions already asked:\n")
		for _, q := range asked {
			fmt.Fprintf(&b, "- %s\n", q)
		}
		b.WriteString("\n")
	}

	b.WriteString("Conversation so far:\n")
	if len(turn.Window) == 0 {
		b.WriteString("(nothing yet; open the interview)\n")
	}
	for _, ev := range turn.Window {
		b.WriteString(renderEvent(ev))
		b.WriteString("\n")
	}

	if len(notes) > 0 {
		b.WriteString("\nYour notes from this turn:\n")
		for _, n := range notes {
			fmt.Fprintf(&b, "- %s\n", truncate(n, maxPromptNoteSize))
		}
	}
	return b.String()
}

func renderEvent(ev memory.Event) string {
	switch ev.Role {
	case memory.RoleSubject:
		switch ev.Kind {
		case memory.KindSkip:
			return "Subject skipped the last question."
		case memory.KindLike:
			return "Subject liked the last question."
		default:
			return "Subject: " + ev.Content
		}
	case memory.RoleInterviewer:
		return "Interviewer: " + ev.Content
	case memory.RoleSystem:
		if ev.Kind == memory.KindRecall {
			return "[recalled] " + ev.Content
		}
		return "[note] " + ev.Content
	default:
		return fmt.Sprintf("[%s] %s", ev.Role, ev.Content)
	}
}

func tail(items []string, n int) []string {
	if len(items) > n {
		return items[len(items)-n:]
	}
	return items
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
