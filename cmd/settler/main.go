package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/mycelix-network/playsettle/app/settler"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app := settler.Initialize(ctx)

	app.Start(ctx)
}
