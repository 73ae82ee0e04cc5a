package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lis/lis/internal/config"
	"github.com/lis/lis/internal/domain/reagent"
	"github.com/lis/lis/internal/domain/testrun"
	"github.com/lis/lis/internal/platform/auth"
	"github.com/lis/lis/internal/platform/db"
	"github.com/lis/lis/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the postgres store",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(commandContext(cmd), dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to a migrations directory (default: embedded schema)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(commandContext(cmd), dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (default: embedded schema)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrationFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func withMigrator(ctx context.Context, dir string, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrationFS(dir)))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed [file]",
		Short: "Load reference data from a YAML seed file into the configured store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := cfg.SeedFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("a seed file argument or SEED_FILE is required")
			}
			// the file is applied explicitly below
			cfg.SeedFile = ""

			ctx := commandContext(cmd)
			be, err := openBackend(ctx, cfg, newLogger(cfg, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer be.Close()

			n, err := applySeed(ctx, be.store, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d record(s) from %s.\n", n, path)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a test order on an instrument",
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, _ := cmd.Flags().GetString("order")
			instrumentID, _ := cmd.Flags().GetString("instrument")
			sex, _ := cmd.Flags().GetString("sex")
			refs, _ := cmd.Flags().GetStringSlice("reagent")

			usage, err := parseReagentUsage(refs)
			if err != nil {
				return err
			}
			req := testrun.RunRequest{OrderID: orderID, InstrumentID: instrumentID, Sex: sex, UsedReagents: usage}

			return withService(cmd, func(ctx context.Context, svc *testrun.Service) error {
				res, err := svc.Run(ctx, req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().String("order", "", "Test order id")
	cmd.Flags().String("instrument", "", "Instrument id")
	cmd.Flags().String("sex", "", "Patient sex override (Male or Female)")
	cmd.Flags().StringSlice("reagent", nil, "Declared reagent usage as id=amount, repeatable")
	addActorFlag(cmd)
	return cmd
}

// parseReagentUsage reads "id=amount" pairs; a bare id leaves the amount to
// the reagent's usage_per_run.
func parseReagentUsage(refs []string) ([]reagent.Usage, error) {
	out := make([]reagent.Usage, 0, len(refs))
	for _, ref := range refs {
		id, amount, hasAmount := strings.Cut(ref, "=")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("invalid reagent %q", ref)
		}
		u := reagent.Usage{ID: id}
		if hasAmount {
			v, err := strconv.ParseFloat(strings.TrimSpace(amount), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid amount in reagent %q: %w", ref, err)
			}
			u.Amount = v
			if !u.Valid() {
				return nil, fmt.Errorf("invalid amount in reagent %q: must be a non-negative number", ref)
			}
		}
		out = append(out, u)
	}
	return out, nil
}

func worklistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worklist",
		Short: "List the work queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *testrun.Service) error {
				items, err := svc.List(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%-10s %-30s %-12s %-20s %s\n", "ID", "PATIENT", "STATUS", "TESTER", "RUN")
				for _, it := range items {
					fmt.Fprintf(w, "%-10s %-30s %-12s %-20s %s\n", it.ID, it.PatientName, it.Status, it.Tester, it.RunID)
				}
				return nil
			})
		},
	}
	addActorFlag(cmd)
	return cmd
}

func deleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <result-id|run-id|order-id>",
		Short: "Delete a run and everything derived from it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *testrun.Service) error {
				rep, err := svc.Delete(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
	addActorFlag(cmd)
	return cmd
}

func addActorFlag(cmd *cobra.Command) {
	cmd.Flags().String("actor", "cli", "User id recorded as the tester")
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withService opens the configured store and archive for one command
// invocation. The actor flag stands in for the authenticated user.
func withService(cmd *cobra.Command, fn func(context.Context, *testrun.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	ctx := commandContext(cmd)

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	archive, err := openArchive(ctx, cfg)
	if err != nil {
		return err
	}

	actorID, _ := cmd.Flags().GetString("actor")
	svc := testrun.NewService(be.store,
		testrun.WithLogger(logger),
		testrun.WithArchive(archive),
		testrun.WithStrictInventory(cfg.StrictInventory),
		testrun.WithActors(auth.StaticActor{ID: actorID, Name: actorID, Roles: []string{auth.RoleAdmin}}),
	)
	return fn(ctx, svc)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
