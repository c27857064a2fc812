// Package gateway connects chat channels to the interview engine: inbound
// bus messages become controller calls and replies go back on the bus.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/biographer/pkg/bus"
	"github.com/dotsetgreg/biographer/pkg/interview"
	"github.com/dotsetgreg/biographer/pkg/logger"
	"github.com/dotsetgreg/biographer/pkg/memory"
	"github.com/dotsetgreg/biographer/pkg/voice"
)

const (
	userQueueSize    = 16
	userIdleTimeout  = 5 * time.Minute
	maxAudioDownload = 25 << 20
	helpText         = "I'm here to help you tell your life story. Just answer my questions in your own words.\n" +
		"Commands: `!start` to begin or continue, `!restart` for a fresh session, `!skip` to pass on a question, " +
		"`!like` when you enjoyed one, `!end` to finish for today, `!bio` to read your biography so far."
	busyReply    = "Still thinking about your last answer. One moment."
	failureReply = "Sorry, something went wrong on my side. Please try again in a minute."
	noBioReply   = "There is no biography yet. Keep talking and I will start writing it."
)

// Gateway processes each user's messages in arrival order, users in
// parallel.
type Gateway struct {
	ctrl   *interview.Controller
	store  memory.Store
	bus    *bus.MessageBus
	stt    voice.Transcriber
	client *http.Client

	// idle is how long a user's worker waits for another message before
	// it exits and releases the queue.
	idle time.Duration

	mu     sync.Mutex
	queues map[string]chan bus.InboundMessage
	wg     sync.WaitGroup
}

func New(ctrl *interview.Controller, store memory.Store, messageBus *bus.MessageBus) *Gateway {
	return &Gateway{
		ctrl:   ctrl,
		store:  store,
		bus:    messageBus,
		client: &http.Client{Timeout: 60 * time.Second},
		idle:   userIdleTimeout,
		queues: map[string]chan bus.InboundMessage{},
	}
}

// SetTranscriber enables audio messages.
func (g *Gateway) SetTranscriber(t voice.Transcriber) { g.stt = t }

// Run consumes the inbound queue until ctx ends or the bus closes, then
// waits for in-flight turns.
func (g *Gateway) Run(ctx context.Context) {
	logger.InfoC("gateway", "Gateway started")
	defer func() {
		g.mu.Lock()
		for user, q := range g.queues {
			close(q)
			delete(g.queues, user)
		}
		g.mu.Unlock()
		g.wg.Wait()
		logger.InfoC("gateway", "Gateway stopped")
	}()
	for {
		msg, ok := g.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		g.enqueue(ctx, msg)
	}
}

func (g *Gateway) enqueue(ctx context.Context, msg bus.InboundMessage) {
	if g.offer(ctx, msg) {
		return
	}
	logger.WarnCF("gateway", "User queue full; message dropped",
		map[string]interface{}{"user_id": msg.UserID})
	g.reply(msg, busyReply, false)
}

// offer queues msg for its user's worker, starting one if needed. The send
// happens under g.mu so a worker retiring on idle cannot miss it.
func (g *Gateway) offer(ctx context.Context, msg bus.InboundMessage) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.queues[msg.UserID]
	if !ok {
		q = make(chan bus.InboundMessage, userQueueSize)
		g.queues[msg.UserID] = q
		g.wg.Add(1)
		go g.worker(ctx, msg.UserID, q)
	}
	select {
	case q <- msg:
		return true
	default:
		return false
	}
}

// worker drains one user's queue and exits once it has sat empty for the
// idle timeout.
func (g *Gateway) worker(ctx context.Context, user string, q chan bus.InboundMessage) {
	defer g.wg.Done()
	timer := time.NewTimer(g.idle)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-q:
			if !ok {
				return
			}
			g.Handle(ctx, msg)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(g.idle)
		case <-timer.C:
			if g.retire(user, q) {
				logger.DebugCF("gateway", "Idle user worker released",
					map[string]interface{}{"user_id": user})
				return
			}
			timer.Reset(g.idle)
		}
	}
}

func (g *Gateway) retire(user string, q chan bus.InboundMessage) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(q) > 0 || g.queues[user] != q {
		return false
	}
	delete(g.queues, user)
	return true
}

func (g *Gateway) workers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queues)
}

// Handle runs one inbound message to completion and publishes the reply.
func (g *Gateway) Handle(ctx context.Context, msg bus.InboundMessage) {
	text, ended, err := g.dispatch(ctx, msg)
	switch {
	case errors.Is(err, interview.ErrSessionBusy):
		text = busyReply
	case err != nil:
		logger.ErrorCF("gateway", "Message handling failed", map[string]interface{}{
			"user_id": msg.UserID,
			"kind":    string(msg.Kind),
			"error":   err.Error(),
		})
		if text == "" {
			text = failureReply
		}
	}
	if text != "" {
		g.reply(msg, text, ended)
	}
}

func (g *Gateway) reply(msg bus.InboundMessage, text string, ended bool) {
	g.bus.PublishOutbound(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: text, Ended: ended})
}

func (g *Gateway) dispatch(ctx context.Context, msg bus.InboundMessage) (string, bool, error) {
	switch msg.Kind {
	case bus.InboundCommand:
		return g.command(ctx, msg)
	case bus.InboundAudio:
		text, err := g.transcribe(ctx, msg)
		if err != nil {
			return "I couldn't make out that voice message. Could you type your answer instead?", false, err
		}
		return g.answer(ctx, msg.UserID, text)
	default:
		return g.answer(ctx, msg.UserID, msg.Content)
	}
}

func (g *Gateway) command(ctx context.Context, msg bus.InboundMessage) (string, bool, error) {
	user := msg.UserID
	switch msg.Content {
	case "help":
		return helpText, false, nil
	case "start":
		s, fresh, err := g.ctrl.Resume(ctx, user)
		if err != nil {
			return "", false, err
		}
		if !fresh {
			return "We're already talking. Go ahead and answer the last question, or `!restart` for a fresh start.", false, nil
		}
		return g.result(g.ctrl.Greet(ctx, s))
	case "restart":
		s, err := g.ctrl.StartSession(ctx, user, interview.StartOptions{Restart: true})
		if err != nil {
			return "", false, err
		}
		return g.result(g.ctrl.Greet(ctx, s))
	case "skip":
		s, fresh, err := g.ctrl.Resume(ctx, user)
		if err != nil {
			return "", false, err
		}
		if fresh {
			// nothing has been asked yet
			return g.result(g.ctrl.Greet(ctx, s))
		}
		return g.result(g.ctrl.SkipQuestion(ctx, s))
	case "like":
		s, err := g.ctrl.Current(ctx, user)
		if err != nil {
			return "", false, err
		}
		if _, err := g.ctrl.LikeQuestion(ctx, s); err != nil {
			return "", false, err
		}
		return "Glad you liked that one.", false, nil
	case "end":
		s, err := g.ctrl.Current(ctx, user)
		if errors.Is(err, interview.ErrNoActiveSession) {
			return "There's no session running. Type `!start` to begin.", false, nil
		}
		if err != nil {
			return "", false, err
		}
		if _, err := g.ctrl.EndSession(ctx, s); err != nil {
			return "", false, err
		}
		return "Thank you for sharing today. Everything you told me is saved.", true, nil
	case "bio":
		doc, err := g.store.LatestBiography(ctx, user)
		if errors.Is(err, memory.ErrNotFound) {
			return noBioReply, false, nil
		}
		if err != nil {
			return "", false, err
		}
		return doc.Markdown, false, nil
	default:
		return helpText, false, nil
	}
}

// answer submits a turn, resuming or starting a session as needed.
func (g *Gateway) answer(ctx context.Context, user, text string) (string, bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false, nil
	}
	s, err := g.live(ctx, user)
	if err != nil {
		return "", false, err
	}
	res, err := g.ctrl.SubmitTurn(ctx, s, text)
	if errors.Is(err, interview.ErrSessionPaused) {
		s, err = g.live(ctx, user)
		if err != nil {
			return "", false, err
		}
		res, err = g.ctrl.SubmitTurn(ctx, s, text)
	}
	return g.result(res, err)
}

// live returns the user's ACTIVE session. One that had to be started or
// resumed is greeted first so the opening question precedes the answer in
// the transcript.
func (g *Gateway) live(ctx context.Context, user string) (*interview.Session, error) {
	s, fresh, err := g.ctrl.Resume(ctx, user)
	if err != nil || !fresh {
		return s, err
	}
	if _, err := g.ctrl.Greet(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (g *Gateway) result(res interview.TurnResult, err error) (string, bool, error) {
	if err != nil {
		return "", false, err
	}
	return res.Event.Content, res.Ended, nil
}

func (g *Gateway) transcribe(ctx context.Context, msg bus.InboundMessage) (string, error) {
	if g.stt == nil {
		return "", fmt.Errorf("voice messages are disabled")
	}
	if len(msg.Media) == 0 {
		return "", fmt.Errorf("audio message without attachment")
	}
	url := msg.Media[0]
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("download audio: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download audio: status %d", resp.StatusCode)
	}
	name := path.Base(strings.SplitN(url, "?", 2)[0])
	return g.stt.SpeechToText(ctx, io.LimitReader(resp.Body, maxAudioDownload), name)
}
