// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mattermost-relay holds authenticated Mattermost sessions for many
// tenants and relays their events to a websocket push channel and to
// webhooks. Sessions are managed through the admin HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/mattermost-relay/pkg/connector"
	"github.com/aiku/mattermost-relay/pkg/dispatch"
	"github.com/aiku/mattermost-relay/pkg/push"
	"github.com/aiku/mattermost-relay/pkg/webhook"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const name = "mattermost-relay"

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var noConfigUpdate = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
var writeExample = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var version = flag.MakeFull("v", "version", "View relay version and quit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles(
		name+" - Relay Mattermost sessions to push and webhook sinks.",
		name+" [-hnev] [-c <path>]",
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(10)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("%s %s (commit %s, built %s)\n", name, Tag, Commit, BuildTime)
		os.Exit(0)
	}

	if *writeExample {
		if err := os.WriteFile(*configPath, []byte(connector.ExampleConfig), 0o600); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(11)
		}
		fmt.Println("Wrote example config to", *configPath)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath, !*noConfigUpdate)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(11)
	}

	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	exzerolog.SetupDefaults(log)
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing " + name)

	if err := run(cfg, *log); err != nil {
		log.Fatal().Err(err).Msg("Relay stopped with error")
	}
}

func loadConfig(path string, save bool) (*connector.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %s not found, generate one with -e", path)
	}
	cfg, err := connector.LoadConfig(path, save)
	if err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(cfg *connector.Config, log zerolog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sinks := dispatch.NewSinkSet()
	dispatcher := dispatch.NewDispatcher(cfg.Gate(), sinks, log)
	relay := connector.NewRelay(cfg, dispatcher, log)
	relay.Sinks = sinks
	if disabled := cfg.Gate().Disabled(); len(disabled) > 0 {
		log.Info().Any("disabled_kinds", disabled).Msg("Event kinds disabled")
	}

	var pushServer *push.Server
	if cfg.Push.Enabled() {
		hub := push.NewHub(cfg.Push.MaxConnections, cfg.Push.SendBuffer, log)
		pushServer = push.NewServer(hub, cfg.Push.Host, cfg.Push.Port, log)
		if err := pushServer.Start(); err != nil {
			return err
		}
		sinks.Add(hub)
		relay.SubscriberCount = hub.ClientCount
	}

	webhookSink := webhook.NewSink(webhook.Options{
		URL:        cfg.Webhook.URL,
		APIKey:     cfg.Webhook.APIKey,
		Timeout:    cfg.Webhook.Timeout,
		Workers:    cfg.Webhook.Workers,
		QueueSize:  cfg.Webhook.QueueSize,
		ResolveURL: relay.WebhookURL,
	}, log)
	webhookSink.Start(context.WithoutCancel(ctx))
	// The webhook sink is registered once any target exists, including
	// sessions started later with their own webhook_url.
	var registerWebhook sync.Once
	enableWebhook := func() {
		registerWebhook.Do(func() {
			sinks.Add(webhookSink)
			log.Info().Msg("Webhook sink enabled")
		})
	}
	if cfg.WebhookEnabled() {
		enableWebhook()
	}
	relay.WebhookRequested = enableWebhook

	if err := relay.Start(ctx); err != nil {
		return err
	}
	log.Info().Strs("sinks", sinks.Names()).Msg("Relay started")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	relay.Stop(shutdownCtx)
	if pushServer != nil {
		if err := pushServer.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Push channel shutdown failed")
		}
	}
	webhookSink.Stop()
	return nil
}
