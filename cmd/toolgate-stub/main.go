// Command toolgate-stub stands in for a tool inside the restricted
// environment. Install it (or link it) under each tool's name.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/clawinfra/toolgate/internal/client"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := client.Run(ctx, os.Args, os.Stdout, os.Stderr, os.LookupEnv)
	stop()
	os.Exit(code)
}
