package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"

	"github.com/barkerhq/barker/internal/config"
	"github.com/barkerhq/barker/internal/store/pg"
)

// canAutoOnboard reports whether the environment alone can configure
// the daemon. Docker and CI deploys set BARKER_GATEWAY_TOKEN instead of
// running the interactive wizard.
func canAutoOnboard() bool {
	return os.Getenv("BARKER_GATEWAY_TOKEN") != ""
}

// runAutoOnboard performs non-interactive setup from environment
// variables: it validates backing services, applies migrations in
// managed mode, and writes a clean config file. Agents are added later
// by editing config.json; the watcher picks them up without a restart.
// Returns false on fatal error.
func runAutoOnboard(cfgPath string) bool {
	fmt.Println("Auto-onboard: environment variables detected, running non-interactive setup...")

	// Load on a missing path yields defaults plus the env overlay.
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Error: %v\n", err)
		return false
	}

	fmt.Printf("  Gateway:  %s\n", cfg.Gateway.Addr())
	fmt.Printf("  Database: %s\n", cfg.Database.Mode)

	if cfg.Database.IsManaged() {
		fmt.Print("  Testing Postgres connection...")

		// Retry loop: the database container may still be starting.
		var pgErr error
		for attempt := 1; attempt <= 5; attempt++ {
			pgErr = testPostgresConnection(cfg.Database.PostgresDSN)
			if pgErr == nil {
				break
			}
			if attempt < 5 {
				fmt.Printf(" retry %d/5...", attempt)
				time.Sleep(2 * time.Second)
			}
		}
		if pgErr != nil {
			fmt.Println(" FAILED")
			fmt.Printf("  Error: %v\n", pgErr)
			return false
		}
		fmt.Println(" OK")

		// Migrations are idempotent.
		fmt.Print("  Running migrations...")
		m, err := newMigrator(cfg.Database.PostgresDSN)
		if err != nil {
			fmt.Printf(" error: %v\n", err)
			fmt.Println("  Continuing without migration (run manually: barker migrate up)")
		} else {
			if err := m.Up(); err != nil && err != migrate.ErrNoChange {
				fmt.Printf(" error: %v\n", err)
				fmt.Println("  Continuing without migration (run manually: barker migrate up)")
			} else {
				v, _, _ := m.Version()
				fmt.Printf(" OK (version: %d)\n", v)
			}
			m.Close()
		}
	}

	// Secrets carry json:"-" tags, so the saved file stays clean.
	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Printf("  Warning: could not save config: %v\n", err)
	} else {
		fmt.Printf("  Config saved to %s\n", cfgPath)
	}

	fmt.Println("Auto-onboard complete.")
	return true
}

// testPostgresConnection verifies connectivity. OpenDB pings with its
// own timeout.
func testPostgresConnection(dsn string) error {
	db, err := pg.OpenDB(dsn)
	if err != nil {
		return err
	}
	return db.Close()
}
