package channels

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/biographer/pkg/bus"
	"github.com/dotsetgreg/biographer/pkg/config"
)

func nextInbound(t *testing.T, mb *bus.MessageBus) bus.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok, "expected an inbound message")
	return msg
}

func TestBaseChannel_IsAllowed(t *testing.T) {
	c := NewBaseChannel("discord", bus.NewMessageBus(), []string{"@alice", "42"})
	assert.True(t, c.IsAllowed("42"))
	assert.True(t, c.IsAllowed("7|alice"))
	assert.False(t, c.IsAllowed("7|bob"))

	open := NewBaseChannel("discord", bus.NewMessageBus(), nil)
	assert.True(t, open.IsAllowed("anyone"))
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"!skip", "skip", true},
		{"/END please", "end", true},
		{"!dance", "", false},
		{"skip", "", false},
		{"! ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseCommand(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestBaseChannel_HandleMessageClassifies(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	c := NewBaseChannel("discord", mb, nil)

	c.HandleMessage("42|alice", "chan-1", "I was born in Cork.", nil, nil)
	msg := nextInbound(t, mb)
	assert.Equal(t, bus.InboundText, msg.Kind)
	assert.Equal(t, "discord:42", msg.UserID)
	assert.Equal(t, "chan-1", msg.ChatID)

	c.HandleMessage("42", "chan-1", "!like", nil, nil)
	msg = nextInbound(t, mb)
	assert.Equal(t, bus.InboundCommand, msg.Kind)
	assert.Equal(t, "like", msg.Content)

	c.HandleMessage("42", "chan-1", "", []string{"https://cdn/voice.ogg"}, nil)
	msg = nextInbound(t, mb)
	assert.Equal(t, bus.InboundAudio, msg.Kind)
	assert.Equal(t, []string{"https://cdn/voice.ogg"}, msg.Media)
}

func TestSplitMessage(t *testing.T) {
	long := strings.Repeat("word ", 100)
	chunks := splitMessage(long, 60)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 60)
	}
	assert.Equal(t, strings.TrimSpace(long), strings.Join(chunks, " "))

	assert.Equal(t, []string{"short"}, splitMessage("short", 60))
	assert.Len(t, splitMessage(strings.Repeat("x", 130), 60), 3)
}

func TestDiscord_HandleMessage(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	c, err := NewDiscordChannel(config.DiscordConfig{Token: "test-token", AllowFrom: config.FlexibleStringSlice{"42"}}, mb)
	require.NoError(t, err)

	state := discordgo.NewState()
	state.User = &discordgo.User{ID: "bot"}
	s := &discordgo.Session{State: state}

	// own messages and strangers are ignored
	c.handleMessage(s, &discordgo.MessageCreate{Message: &discordgo.Message{Author: &discordgo.User{ID: "bot"}, Content: "hi"}})
	c.handleMessage(s, &discordgo.MessageCreate{Message: &discordgo.Message{Author: &discordgo.User{ID: "99"}, Content: "hi"}})

	c.handleMessage(s, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "dm-1",
		Author:    &discordgo.User{ID: "42", Username: "alice"},
		Attachments: []*discordgo.MessageAttachment{
			{Filename: "photo.png", ContentType: "image/png", URL: "https://cdn/photo.png"},
			{Filename: "voice-message.ogg", ContentType: "audio/ogg", URL: "https://cdn/voice.ogg"},
		},
	}})
	msg := nextInbound(t, mb)
	assert.Equal(t, "discord:42", msg.UserID)
	assert.Equal(t, bus.InboundAudio, msg.Kind)
	assert.Equal(t, []string{"https://cdn/voice.ogg"}, msg.Media)
	assert.Equal(t, "true", msg.Metadata["is_dm"])
}

type recordingChannel struct {
	*BaseChannel
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (r *recordingChannel) Start(context.Context) error { r.setRunning(true); return nil }
func (r *recordingChannel) Stop(context.Context) error  { r.setRunning(false); return nil }
func (r *recordingChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingChannel) Sent() []bus.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.OutboundMessage(nil), r.sent...)
}

func TestManager_RoutesOutbound(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	m, err := NewManager(config.DefaultConfig(), mb)
	require.NoError(t, err)
	rec := &recordingChannel{BaseChannel: NewBaseChannel("test", mb, nil)}
	m.Register(rec)

	require.NoError(t, m.StartAll(context.Background()))
	mb.PublishOutbound(bus.OutboundMessage{Channel: "nowhere", ChatID: "c", Content: "lost"})
	mb.PublishOutbound(bus.OutboundMessage{Channel: "test", ChatID: "c", Content: "Where were you born?"})

	assert.Eventually(t, func() bool { return len(rec.Sent()) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, m.StopAll(context.Background()))
	assert.False(t, rec.IsRunning())
	assert.Equal(t, "Where were you born?", rec.Sent()[0].Content)
}

func TestNewManager_DiscordNeedsToken(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Channels.Discord.Enabled = true
	cfg.Channels.Discord.Token = ""
	_, err := NewManager(cfg, bus.NewMessageBus())
	assert.Error(t, err)
}
