// migrate applies the tracking schema from embedded SQL; use with a
// postgres:// TRACKING_URI or go run ./cmd/migrate.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"opttrack/internal/config"
	"opttrack/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.TrackingURI == "" {
		fmt.Fprintln(os.Stderr, "TRACKING_URI is not set; set it to the postgres DSN of the tracking database")
		os.Exit(1)
	}
	if !strings.HasPrefix(cfg.TrackingURI, "postgres://") && !strings.HasPrefix(cfg.TrackingURI, "postgresql://") {
		fmt.Fprintln(os.Stderr, "migrations only apply to postgres tracking URIs; an http tracking server owns its own schema")
		os.Exit(1)
	}

	if err := migrate.Run(cfg.TrackingURI, *direction); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			// Already at target version; success.
			return
		}
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
