package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/dotsetgreg/biographer/pkg/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// Commands a subject can type instead of an answer.
var commands = map[string]struct{}{
	"start":   {},
	"restart": {},
	"skip":    {},
	"like":    {},
	"end":     {},
	"bio":     {},
	"help":    {},
}

type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, messageBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       messageBus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	// Compound sender ids look like "123456|username".
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || candidate == idPart || (userPart != "" && candidate == userPart) {
			return true
		}
	}

	return false
}

// UserID qualifies a sender id with the channel name.
func (c *BaseChannel) UserID(senderID string) string {
	if idx := strings.Index(senderID, "|"); idx > 0 {
		senderID = senderID[:idx]
	}
	return c.name + ":" + senderID
}

// HandleMessage classifies a chat message and queues it for the gateway.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, audio []string, metadata map[string]string) {
	if !c.IsAllowed(senderID) {
		return
	}

	kind := bus.InboundText
	if cmd, ok := ParseCommand(content); ok {
		kind = bus.InboundCommand
		content = cmd
	} else if len(audio) > 0 {
		kind = bus.InboundAudio
	}

	c.bus.PublishInbound(bus.InboundMessage{
		Channel:  c.name,
		SenderID: senderID,
		UserID:   c.UserID(senderID),
		ChatID:   chatID,
		Kind:     kind,
		Content:  content,
		Media:    audio,
		Metadata: metadata,
	})
}

// ParseCommand recognises "!skip" or "/skip" style commands and returns the
// bare command name.
func ParseCommand(content string) (string, bool) {
	content = strings.TrimSpace(content)
	if len(content) < 2 || (content[0] != '!' && content[0] != '/') {
		return "", false
	}
	fields := strings.Fields(content[1:])
	if len(fields) == 0 {
		return "", false
	}
	word := strings.ToLower(fields[0])
	if _, ok := commands[word]; !ok {
		return "", false
	}
	return word, true
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}
