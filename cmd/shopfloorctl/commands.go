package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"shopfloor/backend/internal/config"
	"shopfloor/backend/internal/schedule"
	"shopfloor/backend/internal/service/appointments"
	"shopfloor/backend/internal/store/postgres"
)

type simulator interface {
	SimulateCascade(ctx context.Context, in appointments.SimulateInput) ([]schedule.Move, error)
}

// deps are the side effects of each command, swapped out in tests.
type deps struct {
	log              *slog.Logger
	loadConfig       func() (config.Config, error)
	migrate          func(databaseURL string, target postgres.MigrationTarget, log *slog.Logger) error
	migrationVersion func(databaseURL string, log *slog.Logger) (uint, bool, bool, error)
	openSimulator    func(ctx context.Context, cfg config.Config) (simulator, func(), error)
}

func defaultDeps(log *slog.Logger) deps {
	return deps{
		log:              log,
		loadConfig:       config.Load,
		migrate:          postgres.Migrate,
		migrationVersion: postgres.MigrationVersion,
		openSimulator:    openPostgresSimulator,
	}
}

func openPostgresSimulator(ctx context.Context, cfg config.Config) (simulator, func(), error) {
	db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		return nil, nil, err
	}
	repo := postgres.NewAppointmentRepo(db, cfg.DBLockTimeout)
	svc := appointments.NewService(repo,
		appointments.WithLimits(schedule.Limits{MaxMoves: cfg.CascadeMaxMoves, MaxDrift: cfg.CascadeMaxDrift}),
	)
	return svc, func() { _ = postgres.Close(db) }, nil
}

func newRootCmd(d deps) *cobra.Command {
	var databaseURL string

	root := &cobra.Command{
		Use:           "shopfloorctl",
		Short:         "Operate the shop floor scheduling database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres URL (defaults to SHOPFLOOR_DATABASE_URL)")

	load := func() (config.Config, error) {
		cfg, err := d.loadConfig()
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		if databaseURL != "" {
			cfg.DatabaseURL = databaseURL
		}
		return cfg, nil
	}

	root.AddCommand(newMigrateCmd(d, load), newSimulateCmd(d, load))
	return root
}

func newMigrateCmd(d deps, load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}

	run := func(target postgres.MigrationTarget) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := d.migrate(cfg.DatabaseURL, target, d.log); err != nil {
				return err
			}
			return printVersion(cmd, d, cfg)
		}
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Migrate to the latest version",
		Args:  cobra.NoArgs,
		RunE:  run(postgres.TargetLatest),
	}
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		Args:  cobra.NoArgs,
		RunE:  run(postgres.TargetDown),
	}
	gotoCmd := &cobra.Command{
		Use:   "goto VERSION",
		Short: "Migrate up or down to VERSION",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("version %q: %w", args[0], err)
			}
			return run(postgres.TargetVersion(uint(v)))(cmd, nil)
		},
	}
	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied migration version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return printVersion(cmd, d, cfg)
		},
	}

	cmd.AddCommand(up, down, gotoCmd, version)
	return cmd
}

func printVersion(cmd *cobra.Command, d deps, cfg config.Config) error {
	v, dirty, ok, err := d.migrationVersion(cfg.DatabaseURL, d.log)
	if err != nil {
		return err
	}
	switch {
	case !ok:
		cmd.Println("version: none")
	case dirty:
		cmd.Printf("version: %d (dirty)\n", v)
	default:
		cmd.Printf("version: %d\n", v)
	}
	return nil
}

func newSimulateCmd(d deps, load func() (config.Config, error)) *cobra.Command {
	var (
		appointmentID string
		boxID         string
		start, end    string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Print the cascade a move would cause, without writing",
		Long: `Plan the cascade for moving an appointment (or booking a new one when
--appointment is omitted) into [--start, --end) on --box, and print the
resulting moves as JSON. Nothing is written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := simulateInput(appointmentID, boxID, start, end)
			if err != nil {
				return err
			}
			cfg, err := load()
			if err != nil {
				return err
			}

			svc, closeFn, err := d.openSimulator(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer closeFn()

			moves, err := svc.SimulateCascade(cmd.Context(), in)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(moves)
		},
	}

	cmd.Flags().StringVar(&appointmentID, "appointment", "", "Appointment to move (omit to simulate a new booking)")
	cmd.Flags().StringVar(&boxID, "box", "", "Target box (defaults to the appointment's box)")
	cmd.Flags().StringVar(&start, "start", "", "New start, RFC 3339")
	cmd.Flags().StringVar(&end, "end", "", "New end, RFC 3339")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func simulateInput(appointmentID, boxID, start, end string) (appointments.SimulateInput, error) {
	var in appointments.SimulateInput
	var err error

	if appointmentID != "" {
		if in.AppointmentID, err = uuid.Parse(appointmentID); err != nil {
			return in, fmt.Errorf("--appointment: %w", err)
		}
	}
	if boxID != "" {
		if in.BoxID, err = uuid.Parse(boxID); err != nil {
			return in, fmt.Errorf("--box: %w", err)
		}
	}
	if in.AppointmentID == uuid.Nil && in.BoxID == uuid.Nil {
		return in, errors.New("--box is required when --appointment is omitted")
	}
	if in.ScheduledStart, err = time.Parse(time.RFC3339, start); err != nil {
		return in, fmt.Errorf("--start: %w", err)
	}
	if in.ScheduledEnd, err = time.Parse(time.RFC3339, end); err != nil {
		return in, fmt.Errorf("--end: %w", err)
	}
	return in, nil
}
