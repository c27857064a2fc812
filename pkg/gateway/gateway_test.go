package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/biographer/pkg/bus"
	"github.com/dotsetgreg/biographer/pkg/interview"
	"github.com/dotsetgreg/biographer/pkg/memory"
	"github.com/dotsetgreg/biographer/pkg/providers"
)

type fixture struct {
	gw    *Gateway
	bus   *bus.MessageBus
	store *memory.InMemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var n atomic.Int64
	gen := providers.GeneratorFunc(func(context.Context, string, providers.Constraints) (string, error) {
		return fmt.Sprintf(`{"action":"ask","question":"Question %d?"}`, n.Add(1)), nil
	})
	store := memory.NewInMemoryStore()
	ctrl := interview.NewController(store, nil, interview.NewConsiderer(gen, 3, 0), interview.DefaultOptions())
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)
	return &fixture{gw: New(ctrl, store, mb), bus: mb, store: store}
}

func (f *fixture) send(t *testing.T, kind bus.InboundKind, content string, media ...string) bus.OutboundMessage {
	t.Helper()
	f.gw.Handle(context.Background(), bus.InboundMessage{
		Channel: "discord", UserID: "discord:42", ChatID: "dm-1", Kind: kind, Content: content, Media: media,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, ok := f.bus.SubscribeOutbound(ctx)
	require.True(t, ok, "expected a reply")
	assert.Equal(t, "discord", out.Channel)
	assert.Equal(t, "dm-1", out.ChatID)
	return out
}

func TestGateway_ConversationFlow(t *testing.T) {
	f := newFixture(t)

	out := f.send(t, bus.InboundCommand, "start")
	assert.Equal(t, "Question 1?", out.Content)

	out = f.send(t, bus.InboundCommand, "start")
	assert.Contains(t, out.Content, "already talking")

	out = f.send(t, bus.InboundText, "I was born in 1951.")
	assert.Equal(t, "Question 2?", out.Content)

	out = f.send(t, bus.InboundCommand, "like")
	assert.Contains(t, out.Content, "liked")

	out = f.send(t, bus.InboundCommand, "skip")
	assert.Equal(t, "Question 3?", out.Content)

	out = f.send(t, bus.InboundCommand, "end")
	assert.True(t, out.Ended)

	sess, err := f.store.LatestSession(context.Background(), "discord:42")
	require.NoError(t, err)
	assert.Equal(t, memory.StateEnded, sess.State)
	assert.Equal(t, 1, sess.TurnCount)

	out = f.send(t, bus.InboundCommand, "end")
	assert.Contains(t, out.Content, "no session running")
}

func TestGateway_TextStartsSession(t *testing.T) {
	f := newFixture(t)
	out := f.send(t, bus.InboundText, "Hello there")
	assert.Equal(t, "Question 2?", out.Content)

	sess, err := f.store.LatestSession(context.Background(), "discord:42")
	require.NoError(t, err)
	assert.Equal(t, memory.StateActive, sess.State)
	assert.Equal(t, 1, sess.TurnCount)

	events, err := f.store.ListEvents(context.Background(), "discord:42", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, memory.RoleInterviewer, events[0].Role)
	assert.Equal(t, "Question 1?", events[0].Content)
	assert.Equal(t, "Hello there", events[1].Content)
}

func TestGateway_BioCommand(t *testing.T) {
	f := newFixture(t)
	out := f.send(t, bus.InboundCommand, "bio")
	assert.Equal(t, noBioReply, out.Content)

	_, err := f.store.PutBiography(context.Background(), memory.BiographyDoc{UserID: "discord:42", Markdown: "# A Life"})
	require.NoError(t, err)
	out = f.send(t, bus.InboundCommand, "bio")
	assert.Equal(t, "# A Life", out.Content)
}

type fakeTranscriber struct{ got string }

func (f *fakeTranscriber) SpeechToText(_ context.Context, audio io.Reader, name string) (string, error) {
	data, _ := io.ReadAll(audio)
	f.got = name + ":" + string(data)
	return "I grew up in Leeds.", nil
}

func TestGateway_AudioIsTranscribed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ogg-bytes"))
	}))
	defer srv.Close()

	f := newFixture(t)
	out := f.send(t, bus.InboundAudio, "", srv.URL+"/voice.ogg?ex=1")
	assert.Contains(t, out.Content, "couldn't make out")

	stt := &fakeTranscriber{}
	f.gw.SetTranscriber(stt)
	out = f.send(t, bus.InboundAudio, "", srv.URL+"/voice.ogg?ex=1")
	assert.Equal(t, "Question 2?", out.Content)
	assert.Equal(t, "voice.ogg:ogg-bytes", stt.got)

	events, err := f.store.ListEvents(context.Background(), "discord:42", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "I grew up in Leeds.", events[1].Content)
}

func TestGateway_RunProcessesQueue(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.gw.Run(ctx)
		close(done)
	}()

	f.bus.PublishInbound(bus.InboundMessage{Channel: "discord", UserID: "discord:7", ChatID: "c7", Kind: bus.InboundCommand, Content: "help"})
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	out, ok := f.bus.SubscribeOutbound(waitCtx)
	require.True(t, ok)
	assert.Equal(t, helpText, out.Content)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("gateway did not stop")
	}
}

func TestGateway_IdleWorkersAreReleased(t *testing.T) {
	f := newFixture(t)
	f.gw.idle = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.gw.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for i := 0; i < 3; i++ {
		user := fmt.Sprintf("discord:%d", i)
		f.bus.PublishInbound(bus.InboundMessage{Channel: "discord", UserID: user, ChatID: user, Kind: bus.InboundCommand, Content: "help"})
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	for i := 0; i < 3; i++ {
		_, ok := f.bus.SubscribeOutbound(waitCtx)
		require.True(t, ok)
	}
	require.Eventually(t, func() bool { return f.gw.workers() == 0 }, time.Second, 5*time.Millisecond)

	// a returning user gets a new worker
	f.bus.PublishInbound(bus.InboundMessage{Channel: "discord", UserID: "discord:1", ChatID: "c1", Kind: bus.InboundCommand, Content: "help"})
	out, ok := f.bus.SubscribeOutbound(waitCtx)
	require.True(t, ok)
	assert.Equal(t, helpText, out.Content)
	require.Eventually(t, func() bool { return f.gw.workers() == 0 }, time.Second, 5*time.Millisecond)
}
