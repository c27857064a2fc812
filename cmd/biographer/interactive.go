package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"
	"golang.org/x/term"

	"github.com/dotsetgreg/biographer/pkg/biography"
	"github.com/dotsetgreg/biographer/pkg/interview"
	"github.com/dotsetgreg/biographer/pkg/memory"
)

var (
	interviewerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")).Bold(true)
	noticeStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#828997")).Italic(true)
	errorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#E06C75"))
)

const interviewHelp = `Commands:
  /skip   pass on the current question
  /like   mark the current question as a good one
  /bio    print the latest biography
  /end    end the session and save it
  exit    leave; the session stays open and resumes next time`

// lineReader abstracts readline and the plain fallback used when stdin is
// not a terminal.
type lineReader interface {
	ReadLine() (string, error)
	Close() error
}

type readlineReader struct{ rl *readline.Instance }

func (r readlineReader) ReadLine() (string, error) {
	line, err := r.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return "", io.EOF
	}
	return line, err
}

func (r readlineReader) Close() error { return r.rl.Close() }

type plainReader struct {
	in     *bufio.Reader
	prompt string
	out    io.Writer
}

func (r plainReader) ReadLine() (string, error) {
	fmt.Fprint(r.out, r.prompt)
	line, err := r.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (plainReader) Close() error { return nil }

func newLineReader(out io.Writer) lineReader {
	prompt := "You: "
	if term.IsTerminal(int(os.Stdin.Fd())) {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          prompt,
			HistoryFile:     filepath.Join(os.TempDir(), ".biographer_history"),
			HistoryLimit:    100,
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err == nil {
			return readlineReader{rl: rl}
		}
		fmt.Fprintln(out, noticeStyle.Render("Falling back to simple input mode..."))
	}
	return plainReader{in: bufio.NewReader(os.Stdin), prompt: prompt, out: out}
}

type terminalInterview struct {
	ctrl  *interview.Controller
	store memory.Store
	user  string
	in    lineReader
	out   io.Writer
}

func (t *terminalInterview) say(text string) {
	fmt.Fprintf(t.out, "\n%s %s\n\n", interviewerStyle.Render("Interviewer:"), text)
}

func (t *terminalInterview) notice(text string) {
	fmt.Fprintln(t.out, noticeStyle.Render(text))
}

func (t *terminalInterview) fail(err error) {
	fmt.Fprintln(t.out, errorStyle.Render("Error: "+err.Error()))
}

// open starts or resumes the subject's session and puts a question on screen.
func (t *terminalInterview) open(ctx context.Context, restart bool) (*interview.Session, error) {
	if restart {
		s, err := t.ctrl.StartSession(ctx, t.user, interview.StartOptions{Restart: true})
		if err != nil {
			return nil, err
		}
		return s, t.greet(ctx, s)
	}
	s, fresh, err := t.ctrl.Resume(ctx, t.user)
	if err != nil {
		return nil, err
	}
	if fresh {
		return s, t.greet(ctx, s)
	}
	t.notice(fmt.Sprintf("Continuing session %d.", s.ID()))
	if last := lastQuestion(s.Window()); last != "" {
		t.say(last)
	}
	return s, nil
}

func (t *terminalInterview) greet(ctx context.Context, s *interview.Session) error {
	res, err := t.ctrl.Greet(ctx, s)
	if err != nil {
		return err
	}
	t.say(res.Event.Content)
	return nil
}

func lastQuestion(window []memory.Event) string {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Role == memory.RoleInterviewer && window[i].Kind == memory.KindMessage {
			return window[i].Content
		}
	}
	return ""
}

func (t *terminalInterview) run(ctx context.Context, restart bool) error {
	s, err := t.open(ctx, restart)
	if err != nil {
		return err
	}
	for {
		line, err := t.in.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.notice("Session left open. Run the interview again to continue.")
				return nil
			}
			return err
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		var res interview.TurnResult
		switch strings.ToLower(input) {
		case "exit", "quit":
			t.notice("Session left open. Run the interview again to continue.")
			return nil
		case "/help":
			t.notice(interviewHelp)
			continue
		case "/bio":
			t.printBiography(ctx)
			continue
		case "/end":
			ref, err := t.ctrl.EndSession(ctx, s)
			if err != nil {
				return err
			}
			t.endNotice(ref)
			return nil
		case "/like":
			if _, err := t.ctrl.LikeQuestion(ctx, s); err != nil {
				t.fail(err)
			} else {
				t.notice("Noted.")
			}
			continue
		case "/skip":
			res, err = t.ctrl.SkipQuestion(ctx, s)
		default:
			res, err = t.ctrl.SubmitTurn(ctx, s, input)
		}

		if errors.Is(err, interview.ErrSessionPaused) {
			t.notice("The session was paused while you were away; picking it back up.")
			if s, err = t.open(ctx, false); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			// the answer is already in the log; only the follow-up was lost
			t.fail(err)
			t.notice("Type /skip to get a new question.")
			continue
		}
		t.say(res.Event.Content)
		if res.Ended {
			t.endNotice(res.ArchiveRef)
			return nil
		}
	}
}

func (t *terminalInterview) endNotice(ref string) {
	if ref != "" {
		t.notice("Session saved to archive " + ref + ".")
		return
	}
	t.notice("Session ended.")
}

func (t *terminalInterview) printBiography(ctx context.Context) {
	doc, err := t.store.LatestBiography(ctx, t.user)
	if errors.Is(err, memory.ErrNotFound) {
		t.notice("No biography yet. Keep talking!")
		return
	}
	if err != nil {
		t.fail(err)
		return
	}
	fmt.Fprintln(t.out, biography.RenderMarkdown(doc))
}
