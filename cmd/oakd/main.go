// Oakd observes AI coding agents at work and turns their activity into
// durable, semantically searchable project memory. Agents post lifecycle
// events over a loopback HTTP API; the daemon batches them by prompt,
// summarizes each batch with a local language model, and injects relevant
// prior observations back into the agent's context.
package main

import (
	"os"
	"runtime/debug"

	"github.com/oakdev/oakd/internal/commands"
)

// version is set via ldflags (-X main.version=v1.0.0) or detected
// automatically from Go module info embedded by go install.
var version = "dev"

func main() {
	if version == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	if err := commands.Execute(version); err != nil {
		os.Exit(1)
	}
}
