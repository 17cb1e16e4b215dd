// Command abi-node runs a minimal mesh node: it opens the configured trust
// store and transport, then admits envelopes arriving on the subscribed
// subjects. Rejections are logged and audited, admitted envelopes logged.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/invictus-insights/aegnix-platform-core/pkg/config"
	"github.com/invictus-insights/aegnix-platform-core/pkg/mesh"
	"github.com/invictus-insights/aegnix-platform-core/pkg/transport"
	"github.com/invictus-insights/aegnix-platform-core/pkg/trust"
)

func main() {
	profilePath := flag.String("profile", "", "optional YAML node profile")
	subjects := flag.String("subjects", "fused.track", "comma-separated subjects to admit")
	flag.Parse()

	cfg := config.Load()
	if *profilePath != "" {
		profile, err := config.LoadProfile(*profilePath)
		if err != nil {
			slog.Error("profile load failed", "path", *profilePath, "error", err)
			os.Exit(1)
		}
		profile.Apply(cfg)
	}
	setupLogging(cfg.LogLevel)

	store, err := trust.Open(cfg.TrustConfig())
	if err != nil {
		slog.Error("trust store open failed", "provider", cfg.StorageProvider, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	bus, err := transport.Open(cfg.TransportConfig())
	if err != nil {
		slog.Error("transport open failed", "transport", cfg.Transport, "error", err)
		os.Exit(1)
	}
	defer func() { _ = bus.Close() }()

	admitter, err := mesh.NewAdmitter(store)
	if err != nil {
		slog.Error("admitter init failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	topics := splitSubjects(*subjects)
	sub, err := bus.Subscribe(ctx, topics, func(ctx context.Context, msg *transport.Message) {
		env, err := admitter.Admit(ctx, msg.Payload)
		if err != nil {
			msg.Nack(false)
			return
		}
		msg.Ack()
		slog.Info("admitted", "subject", env.Subject, "producer", env.Producer, "msg_id", env.MsgID)
	}, nil)
	if err != nil {
		slog.Error("subscribe failed", "subjects", topics, "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	slog.Info("abi-node up",
		"transport", bus.Healthz().Transport,
		"storage", cfg.StorageProvider,
		"subjects", topics)

	<-ctx.Done()
	slog.Info("shutting down")
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func splitSubjects(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
