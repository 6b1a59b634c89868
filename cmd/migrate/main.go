package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/wolfman30/profilebot/migrations"
	"github.com/wolfman30/profilebot/pkg/logging"
)

// Usage: migrate [up | down <steps> | force <version> | version]
func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"))

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	cmd, err := parseCommand(os.Args[1:])
	if err != nil {
		logger.Error("invalid arguments", "error", err)
		os.Exit(2)
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		logger.Error("open db", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		logger.Error("ping db", "error", err)
		os.Exit(1)
	}

	m, err := newMigrator(db)
	if err != nil {
		logger.Error("create migrator", "error", err)
		os.Exit(1)
	}
	defer func() { _, _ = m.Close() }()

	if err := cmd.run(m, logger); err != nil {
		logger.Error("migration failed", "command", cmd.name, "error", err)
		os.Exit(1)
	}
}

type command struct {
	name string
	arg  int
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{name: "up"}, nil
	}
	switch args[0] {
	case "up", "version":
		return command{name: args[0]}, nil
	case "down", "force":
		if len(args) < 2 {
			return command{}, fmt.Errorf("%s requires a number", args[0])
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return command{}, fmt.Errorf("%s: invalid number %q", args[0], args[1])
		}
		if args[0] == "down" && n <= 0 {
			return command{}, errors.New("down requires a positive step count")
		}
		return command{name: args[0], arg: n}, nil
	default:
		return command{}, fmt.Errorf("unknown command %q", args[0])
	}
}

func (c command) run(m *migrate.Migrate, logger *logging.Logger) error {
	switch c.name {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
	case "down":
		if err := m.Steps(-c.arg); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
	case "force":
		if err := m.Force(c.arg); err != nil {
			return err
		}
	case "version":
		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return err
		}
		logger.Info("schema version", "version", version, "dirty", dirty)
		return nil
	}
	version, dirty, _ := m.Version()
	logger.Info("migrations complete", "command", c.name, "version", version, "dirty", dirty)
	return nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("db driver: %w", err)
	}
	srcDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("source driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
}
