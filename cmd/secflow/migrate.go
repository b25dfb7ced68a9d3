package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/secflow/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// runMigrate handles `migrate <subcommand> [N] [flags]`. Subcommands are
// dispatched by migration.CLI.
func runMigrate(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage(stderr)
		if len(args) < 1 {
			return errUsage
		}
		return nil
	}
	subcommand := args[0]

	// 子命令的数字参数位于 flag 之前
	rest := args[1:]
	var positional []string
	for len(rest) > 0 && (!strings.HasPrefix(rest[0], "-") || isInteger(rest[0])) {
		positional = append(positional, rest[0])
		rest = rest[1:]
	}

	fs := flag.NewFlagSet("migrate "+subcommand, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if err := fs.Parse(rest); err != nil {
		return errUsage
	}
	positional = append(positional, fs.Args()...)

	migrator, err := createMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(stdout)
	return cli.Run(context.Background(), subcommand, positional)
}

// createMigrator prefers an explicit -db-type/-db-url pair and otherwise
// derives the URL from the database section of the config.
func createMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	logger := zap.NewNop()
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL, logger)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

func isInteger(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Database Migration Commands

Usage:
  secflow migrate <subcommand> [N] [options]

Subcommands:
  up          Apply all pending migrations
  down        Rollback the last migration
  down-all    Rollback all migrations
  steps N     Apply (N > 0) or roll back (N < 0) N migrations
  goto V      Migrate to a specific version
  force V     Force set migration version (use with caution)
  status      Show migration status
  version     Show current migration version
  info        Show migration summary

Options:
  -config <path>     Path to configuration file (YAML)
  -db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  -db-url <url>      Database connection URL (default: from config)

Examples:
  secflow migrate up -config /etc/secflow/config.yaml
  secflow migrate goto 1
  secflow migrate status -db-type sqlite -db-url "file:secflow.db?mode=rwc"`)
}
