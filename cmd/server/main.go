/*
main.go - Application entry point

PURPOSE:
  Starts the savings scheme engine CLI. All work happens in subcommands:

    server serve     HTTP API with the billing sweep scheduler
    server migrate   Apply or roll back Postgres migrations
    server sweep     Rebuild the billing-month cache once and exit

ENVIRONMENT:
  Configuration is read by pkg/config (PORT, DB_DRIVER, DB_PATH,
  DATABASE_URL, REDIS_*, SWEEP_*, LOG_LEVEL, ...). Flags override it.

SEE ALSO:
  - commands/: Subcommand implementations
  - pkg/config/config.go: Environment variables
*/
package main

import (
	"os"

	"github.com/warp/scheme-engine/cmd/server/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
