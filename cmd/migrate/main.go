package main

import (
	"errors"
	"flag"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/agency-provisioning-service/internal/config"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	db := config.Default().ControlPlane
	flag.StringVar(&db.Host, "db-host", db.Host, "Control-plane database host")
	flag.IntVar(&db.Port, "db-port", db.Port, "Control-plane database port")
	flag.StringVar(&db.User, "db-user", db.User, "Control-plane database user")
	flag.StringVar(&db.Password, "db-pass", db.Password, "Control-plane database password")
	flag.StringVar(&db.Name, "db-name", db.Name, "Control-plane database name")
	flag.StringVar(&db.SSLMode, "db-sslmode", db.SSLMode, "Control-plane database sslmode")
	var (
		source  = flag.String("path", "file://scripts/migrations", "Migration source URL")
		command = flag.String("command", "up", "Migration command (up, down, force, version)")
		version = flag.Int("version", -1, "Target version for force")
	)
	flag.Parse()
	if v, ok := os.LookupEnv("PROVISIONER_CONTROL_DB_PASS"); ok && v != "" {
		db.Password = v
	}

	connConfig, err := pgx.ParseConfig(db.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse DSN")
	}
	sqlDB := stdlib.OpenDB(*connConfig)
	defer sqlDB.Close()

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create migration driver")
	}
	m, err := migrate.NewWithDatabaseInstance(*source, "postgres", driver)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create migrator")
	}

	switch *command {
	case "up":
		log.Info().Msg("Applying migrations...")
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
		log.Info().Msg("Migrations applied successfully")
	case "down":
		log.Info().Msg("Reverting migrations...")
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal().Err(err).Msg("Failed to revert migrations")
		}
		log.Info().Msg("Migrations reverted successfully")
	case "force":
		if *version < 0 {
			log.Fatal().Msg("force requires -version")
		}
		log.Info().Int("version", *version).Msg("Forcing migration version...")
		if err := m.Force(*version); err != nil {
			log.Fatal().Err(err).Msg("Failed to force migration version")
		}
		log.Info().Msg("Migration version forced successfully")
	case "version":
		v, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			log.Fatal().Err(err).Msg("Failed to read migration version")
		}
		log.Info().Uint("version", v).Bool("dirty", dirty).Msg("Current migration version")
	default:
		log.Fatal().Msgf("Unknown command: %s", *command)
	}
}
