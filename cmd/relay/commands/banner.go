package commands

import (
	"fmt"

	"github.com/teranos/relay/config"
	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(verbosity int, cfg *config.Config, addr string) {
	// ANSI escape codes
	cyan := "\033[36m"
	green := "\033[32m"
	yellow := "\033[33m"
	blue := "\033[34m"
	bold := "\033[1m"
	reset := "\033[0m"

	versionInfo := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ╔═════════════════════════════════════════════╗\n")
	fmt.Printf("   ║                                             ║\n")
	fmt.Printf("   ║   ██████  ███████ ██       █████  ██   ██   ║\n")
	fmt.Printf("   ║   ██   ██ ██      ██      ██   ██  ██ ██    ║\n")
	fmt.Printf("   ║   ██████  █████   ██      ███████   ███     ║\n")
	fmt.Printf("   ║   ██   ██ ██      ██      ██   ██    ██     ║\n")
	fmt.Printf("   ║   ██   ██ ███████ ███████ ██   ██    ██     ║\n")
	fmt.Printf("   ║                                             ║\n")
	fmt.Printf("   ║   Pull-based job broker for GPU fleets      ║\n")
	fmt.Printf("   ║                                             ║\n")
	fmt.Printf("   ╚═════════════════════════════════════════════╝%s\n\n", reset)

	backend := cfg.Store.Backend
	if backend == "" {
		backend = "redis"
	}
	storeLine := backend
	if backend == "redis" {
		storeLine = fmt.Sprintf("%s (%s)", backend, cfg.Store.RedisURL)
	}

	fmt.Printf("%s%s┌─ Relay Broker ──────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:   %s (commit %s)\n", green, reset, versionInfo.Version, versionInfo.Short())
	fmt.Printf("%s│%s Built:     %s\n", green, reset, versionInfo.BuildTime)
	fmt.Printf("%s│%s Store:     %s\n", green, reset, storeLine)
	fmt.Printf("%s│%s Listen:    http://%s\n", green, reset, addr)
	fmt.Printf("%s│%s Verbosity: %s\n", green, reset, logger.LevelName(verbosity))
	fmt.Printf("%s└─────────────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s%s✨ Submit a job: relay submit --service sim%s\n", yellow, bold, reset)
	fmt.Printf("%s💡 Press Ctrl+C to stop%s\n\n", blue, reset)
}
