package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the process entrypoint: load config, build the app, serve until a
// termination signal arrives.
func Run() error {
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := NewApp(ctx, log, cfg)
	if err != nil {
		log.Error("app.init.fail", "err", err)
		return err
	}

	return a.Run(ctx)
}
