package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/mycelix-network/playsettle/app/reputation"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app := reputation.Initialize(ctx)

	app.Start(ctx)
}
