// Command falcon-mcp serves CrowdStrike Falcon capability modules over MCP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vikashloomba/mcp-security-go/internal/cli"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, newRootCmd())
	cancel()
	os.Exit(code)
}
