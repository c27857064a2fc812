package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dotsetgreg/biographer/pkg/bus"
	"github.com/dotsetgreg/biographer/pkg/channels"
	"github.com/dotsetgreg/biographer/pkg/config"
	"github.com/dotsetgreg/biographer/pkg/gateway"
	"github.com/dotsetgreg/biographer/pkg/interview"
	"github.com/dotsetgreg/biographer/pkg/logger"
	"github.com/dotsetgreg/biographer/pkg/server"
	"github.com/dotsetgreg/biographer/pkg/voice"
)

// serve runs the HTTP/WebSocket API, the chat channels and the timeout
// sweeper until interrupted.
func serve(cfg *config.Config) error {
	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close(false)

	opts := server.Options{APIKey: cfg.Gateway.APIKey, Regenerator: eng.trigger}
	var voiceClient *voice.Client
	if cfg.Voice.Enabled {
		voiceClient, err = voice.NewClient(cfg)
		if err != nil {
			return err
		}
		opts.Transcriber = voiceClient
		opts.Speaker = voiceClient
	}

	sweeper, err := interview.NewSweeper(eng.ctrl, cfg.Interview.TimeoutSweepCron, nil)
	if err != nil {
		return err
	}

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()
	channelManager, err := channels.NewManager(cfg, msgBus)
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}
	gw := gateway.New(eng.ctrl, eng.store, msgBus)
	if voiceClient != nil {
		gw.SetTranscriber(voiceClient)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := channelManager.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	defer func() {
		if err := channelManager.StopAll(context.Background()); err != nil {
			logger.WarnCF("cli", "Channel shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	if names := channelManager.EnabledChannels(); len(names) > 0 {
		fmt.Printf("✓ Channels enabled: %s\n", strings.Join(names, ", "))
	}

	gwDone := make(chan struct{})
	go func() {
		gw.Run(ctx)
		close(gwDone)
	}()

	sweeper.Start(ctx)
	defer sweeper.Stop()
	fmt.Printf("✓ Timeout sweeper running (%s)\n", cfg.Interview.TimeoutSweepCron)

	fmt.Printf("✓ API listening on http://%s:%d (health at /health)\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Println("Press Ctrl+C to stop")

	srv := server.New(eng.ctrl, eng.store, opts)
	err = srv.ListenAndServe(ctx, cfg.Gateway.Host, cfg.Gateway.Port)
	stop()
	<-gwDone
	fmt.Println("\nShutting down...")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
