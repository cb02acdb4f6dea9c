package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/mantty/reshape"
	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/reshapeerr"
)

const version = "0.1.0"

func main() {
	ctx := context.Background()

	cmd := &cli.Command{
		Name:    "reshape",
		Usage:   "Zero-downtime PostgreSQL schema migrations",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "PostgreSQL connection string, overrides the other connection flags entirely",
				Sources: cli.EnvVars("DB_URL"),
			},
			&cli.StringFlag{
				Name:    "host",
				Usage:   "database host",
				Value:   "localhost",
				Sources: cli.EnvVars("DB_HOST"),
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "database port",
				Value:   5432,
				Sources: cli.EnvVars("DB_PORT"),
			},
			&cli.StringFlag{
				Name:    "database",
				Usage:   "database name",
				Value:   "postgres",
				Sources: cli.EnvVars("DB_NAME"),
			},
			&cli.StringFlag{
				Name:    "username",
				Usage:   "database user",
				Value:   "postgres",
				Sources: cli.EnvVars("DB_USERNAME"),
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "database password",
				Value:   "postgres",
				Sources: cli.EnvVars("DB_PASSWORD"),
			},
			&cli.StringFlag{
				Name:    "migrations",
				Aliases: []string{"m"},
				Usage:   "path to the migrations directory",
				Value:   "migrations",
				Sources: cli.EnvVars("RESHAPE_MIGRATIONS_PATH"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "Apply pending migrations, creating the new schema's view namespace",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "complete",
						Usage: "complete the migration immediately instead of leaving it in progress",
					},
				},
				Action: migrateCommand,
			},
			{
				Name:   "complete",
				Usage:  "Complete the in-progress migration, retiring the old schema",
				Action: completeCommand,
			},
			{
				Name:   "abort",
				Usage:  "Abort the in-progress migration, reverting to the schema before it started",
				Action: abortCommand,
			},
			{
				Name:  "remove",
				Usage: "Remove reshape's metadata and every migration view namespace",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "drop-data",
						Usage: "also drop the tables reshape tracks, not just its metadata",
					},
				},
				Action: removeCommand,
			},
			{
				Name:   "generate-schema-query",
				Usage:  "Print the SQL an application runs to start seeing the latest migration's schema",
				Action: schemaQueryCommand,
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(formatErr(err))
	}
}

func migrateCommand(ctx context.Context, cmd *cli.Command) error {
	gw, err := openGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer gw.Close()

	names, err := reshape.New(gw, cmd.String("migrations")).Migrate(ctx, cmd.Bool("complete"))
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No pending migrations")
		return nil
	}
	fmt.Printf("Applied migrations: %v\n", names)
	return nil
}

func completeCommand(ctx context.Context, cmd *cli.Command) error {
	gw, err := openGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer gw.Close()

	if err := reshape.New(gw, cmd.String("migrations")).Complete(ctx); err != nil {
		return err
	}
	fmt.Println("Migration complete")
	return nil
}

func abortCommand(ctx context.Context, cmd *cli.Command) error {
	gw, err := openGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer gw.Close()

	if err := reshape.New(gw, cmd.String("migrations")).Abort(ctx); err != nil {
		return err
	}
	fmt.Println("Migration aborted")
	return nil
}

func removeCommand(ctx context.Context, cmd *cli.Command) error {
	gw, err := openGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer gw.Close()

	if err := reshape.New(gw, cmd.String("migrations")).Remove(ctx, cmd.Bool("drop-data")); err != nil {
		return err
	}
	fmt.Println("Removed reshape's metadata")
	return nil
}

func schemaQueryCommand(ctx context.Context, cmd *cli.Command) error {
	query, err := reshape.SchemaQuery(cmd.String("migrations"))
	if err != nil {
		return err
	}
	fmt.Println(query)
	return nil
}

func openGateway(ctx context.Context, cmd *cli.Command) (*db.Gateway, error) {
	dsn := cmd.String("url")
	if dsn == "" {
		dsn = (&url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cmd.String("username"), cmd.String("password")),
			Host:   fmt.Sprintf("%s:%d", cmd.String("host"), cmd.Int("port")),
			Path:   "/" + cmd.String("database"),
		}).String()
	}
	return db.Open(ctx, dsn)
}

// formatErr spells out a concurrent-invocation error with guidance, since
// it's the one failure mode an operator hits in the ordinary course of
// running reshape (a second deploy racing a migration already in flight)
// rather than a bug to investigate.
func formatErr(err error) string {
	if errors.Is(err, db.ErrAlreadyRunning) {
		return "another reshape invocation is already running against this database, try again once it finishes"
	}
	if kind, ok := reshapeerr.KindOf(err); ok {
		return fmt.Sprintf("%s: %v", kind, err)
	}
	return err.Error()
}
