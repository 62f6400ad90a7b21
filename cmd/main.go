// Command job-orchestrator runs the media job coordination core: HTTP
// submission/query/cancel endpoints, the Queue Manager, the Worker
// Monitor and the Webhook Dispatcher, all wired together by
// internal/app. Shutdown is cooperative on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/mediaforge-backend/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx)
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil && ctx.Err() == nil {
		a.Log.Error("app exited with error", "error", err)
		os.Exit(1)
	}
}
