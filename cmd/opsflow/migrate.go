package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/opsflow/config"
	"github.com/BaSui01/opsflow/internal/migration"
)

// =============================================================================
// 🗄️ migrate 子命令
// =============================================================================

func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "up":
		runMigrateUp(args[1:])
	case "down":
		runMigrateDown(args[1:])
	case "status":
		runMigrateStatus(args[1:])
	case "info":
		runMigrateInfo(args[1:])
	case "version":
		runMigrateVersion(args[1:])
	case "goto":
		runMigrateGoto(args[1:])
	case "force":
		runMigrateForce(args[1:])
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate command: %s\n\n", args[0])
		printMigrateUsage()
		os.Exit(1)
	}
}

// createMigrator 按标志构建迁移器。显式 --db-type/--db-url 优先，
// 否则从配置文件与环境变量加载数据库配置。
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "path to YAML config file")
	dbType := fs.String("db-type", "", "database type (postgres, sqlite)")
	dbURL := fs.String("db-url", "", "database URL (overrides config)")
	fs.Parse(args)

	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}
	return migration.NewMigratorFromConfig(cfg)
}

func migrateFatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func runMigrateUp(args []string) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	m, err := createMigrator(fs, args)
	if err != nil {
		migrateFatal(err)
	}
	defer m.Close()

	if err := migration.NewCLI(m).RunUp(context.Background()); err != nil {
		migrateFatal(err)
	}
}

func runMigrateDown(args []string) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	all := fs.Bool("all", false, "roll back all migrations")
	m, err := createMigrator(fs, args)
	if err != nil {
		migrateFatal(err)
	}
	defer m.Close()

	cli := migration.NewCLI(m)
	if *all {
		err = cli.RunDownAll(context.Background())
	} else {
		err = cli.RunDown(context.Background())
	}
	if err != nil {
		migrateFatal(err)
	}
}

func runMigrateStatus(args []string) {
	fs := flag.NewFlagSet("migrate status", flag.ExitOnError)
	m, err := createMigrator(fs, args)
	if err != nil {
		migrateFatal(err)
	}
	defer m.Close()

	if err := migration.NewCLI(m).RunStatus(context.Background()); err != nil {
		migrateFatal(err)
	}
}

func runMigrateInfo(args []string) {
	fs := flag.NewFlagSet("migrate info", flag.ExitOnError)
	m, err := createMigrator(fs, args)
	if err != nil {
		migrateFatal(err)
	}
	defer m.Close()

	if err := migration.NewCLI(m).RunInfo(context.Background()); err != nil {
		migrateFatal(err)
	}
}

func runMigrateVersion(args []string) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	m, err := createMigrator(fs, args)
	if err != nil {
		migrateFatal(err)
	}
	defer m.Close()

	if err := migration.NewCLI(m).RunVersion(context.Background()); err != nil {
		migrateFatal(err)
	}
}

func runMigrateGoto(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: opsflow migrate goto <version> [flags]")
		os.Exit(1)
	}
	version, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		migrateFatal(fmt.Errorf("invalid version %q: %w", args[0], err))
	}

	fs := flag.NewFlagSet("migrate goto", flag.ExitOnError)
	m, err := createMigrator(fs, args[1:])
	if err != nil {
		migrateFatal(err)
	}
	defer m.Close()

	if err := migration.NewCLI(m).RunGoto(context.Background(), uint(version)); err != nil {
		migrateFatal(err)
	}
}

func runMigrateForce(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: opsflow migrate force <version> [flags]")
		os.Exit(1)
	}
	version, err := strconv.Atoi(args[0])
	if err != nil {
		migrateFatal(fmt.Errorf("invalid version %q: %w", args[0], err))
	}

	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	m, err := createMigrator(fs, args[1:])
	if err != nil {
		migrateFatal(err)
	}
	defer m.Close()

	if err := migration.NewCLI(m).RunForce(context.Background(), version); err != nil {
		migrateFatal(err)
	}
}

func printMigrateUsage() {
	fmt.Print(`opsflow migrate - database schema migrations

Usage:
  opsflow migrate <command> [flags]

Commands:
  up                 Apply all pending migrations
  down [--all]       Roll back the last migration (--all rolls back everything)
  status             Show per-migration apply status
  info               Show current version and pending count
  version            Show the current schema version
  goto <version>     Migrate up or down to a specific version
  force <version>    Force the schema version without running migrations
  help               Show this help

Flags (all commands):
  --config    Path to YAML config file
  --db-type   Database type: postgres, sqlite (overrides config)
  --db-url    Database URL (with --db-type, bypasses config entirely)
`)
}
