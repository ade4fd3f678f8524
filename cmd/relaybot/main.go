// Command relaybot runs a personal Telegram bot behind an admission-controlled
// webhook.
package main

import (
	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/relaybot/relaybot/internal/cmd"
)

// Stamped with -ldflags "-X main.version=... -X main.commit=... -X main.buildDate=...".
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)

	if err := cmd.Execute(); err != nil {
		cmd.ExitWithCodeStderr(foundry.ExitFailure, "relaybot failed", err)
	}
}
