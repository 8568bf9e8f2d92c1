package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"line-assistant-relay/internal/app"
	"line-assistant-relay/internal/config"
	"line-assistant-relay/internal/logging"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	// ---- Handler ----
	// A missing credential still yields a handler that answers 500, so the
	// function keeps serving and the error stays visible in the logs.
	h, err := app.Build(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		logger.Error("handler started without usable configuration", "err", err)
	}

	lambda.Start(h.Handle)
}
