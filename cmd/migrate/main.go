// migrate управляет схемой PostgreSQL checkout-сервиса: применяет и
// откатывает embedded-миграции, показывает текущую версию.
//
// Использование: migrate <up|down|status> [-dsn ...] [-steps N]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/silveralcid/retail-checkout/internal/storage/postgres"
)

const runTimeout = 30 * time.Second

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("command is required: up, down or status")
	}
	command := args[0]
	switch command {
	case "up", "down", "status":
	default:
		return fmt.Errorf("unknown command %q: use up, down or status", command)
	}

	fs := flag.NewFlagSet("migrate "+command, flag.ContinueOnError)
	dsn := fs.String("dsn", "", "PostgreSQL DSN (fallback: CHECKOUT_POSTGRES_DSN)")
	steps := fs.Int("steps", 0, "сколько миграций применить/откатить (0 = все для up, 1 для down)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	if strings.TrimSpace(*dsn) == "" {
		*dsn = strings.TrimSpace(os.Getenv("CHECKOUT_POSTGRES_DSN"))
	}
	if *dsn == "" {
		return errors.New("postgres dsn is required (-dsn or CHECKOUT_POSTGRES_DSN)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	store, err := postgres.Open(ctx, *dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	switch command {
	case "up":
		if err := store.MigrateUp(ctx, *steps); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	case "down":
		if err := store.MigrateDown(ctx, *steps); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	}

	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	fmt.Fprintf(out, "%s ok: version=%d applied=%d\n", command, version, count)
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
