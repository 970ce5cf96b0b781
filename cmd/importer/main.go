// Command ledgerdesk-import replays a historical ledger spreadsheet into the
// store outside the HTTP server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ledgerdesk/backend/internal/cache"
	"ledgerdesk/backend/internal/catalog"
	"ledgerdesk/backend/internal/config"
	"ledgerdesk/backend/internal/importer"
	"ledgerdesk/backend/internal/lock"
	"ledgerdesk/backend/internal/logging"
	"ledgerdesk/backend/internal/store"
	"ledgerdesk/backend/internal/store/memory"
	pgstore "ledgerdesk/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.SetOutput(os.Stderr)

	cmd := newImportCommand(cfg, log, os.Stdout)
	if err := cmd.Execute(); err != nil {
		log.WithError(err).Error("import command failed")
		os.Exit(1)
	}
}

type importFlags struct {
	file   string
	owner  string
	wipe   bool
	dryRun bool
}

func newImportCommand(cfg config.Config, log *logrus.Logger, out io.Writer) *cobra.Command {
	var flags importFlags
	cmd := &cobra.Command{
		Use:   "ledgerdesk-import",
		Short: "Import a historical ledger spreadsheet",
		Long: `Import reads an .xlsx or .csv ledger sheet and posts every row as an
invoice with its journal mirror, creating customers and products on the way.

Rows are written to postgres when DATABASE_URL is set and to a seeded
in-memory store otherwise. Stock is never moved by an import.`,
		Example: `  # Check how the sheet is understood without writing anything
  ledgerdesk-import --file ledger.xlsx --owner usr-employee --dry-run

  # Replace the whole ledger with the sheet
  ledgerdesk-import --file ledger.xlsx --owner usr-employee --wipe`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), cfg, log, out, flags)
		},
	}

	cmd.Flags().StringVar(&flags.file, "file", "", "Path to the .xlsx or .csv sheet")
	cmd.Flags().StringVar(&flags.owner, "owner", "", "User id that issues the invoices and owns new customers")
	cmd.Flags().BoolVar(&flags.wipe, "wipe", false, "Delete every invoice and journal entry and reset debts first")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Print the parsed rows and exit without writing")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runImport(ctx context.Context, cfg config.Config, log *logrus.Logger, out io.Writer, flags importFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f, err := os.Open(flags.file)
	if err != nil {
		return fmt.Errorf("open sheet: %w", err)
	}
	defer f.Close()

	rows, err := importer.ReadRows(filepath.Base(flags.file), f)
	if err != nil {
		return err
	}

	if flags.dryRun {
		return printParsed(out, importer.Parse(rows, time.Now().UTC()))
	}
	if flags.owner == "" {
		return errors.New("--owner is required unless --dry-run is set")
	}

	repo, closeRepo, err := openRepository(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeRepo(); err != nil {
			log.WithError(err).Warn("close repository")
		}
	}()

	locker, closeLocker := openLocker(ctx, cfg, log)
	defer closeLocker()

	lease, err := locker.Obtain(ctx, lock.ImportKey(flags.owner), cfg.ImportLockTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		return fmt.Errorf("an import for owner %s is already running", flags.owner)
	}
	if err != nil {
		return fmt.Errorf("obtain import lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("release import lock")
		}
	}()

	cat := catalog.New(repo, cache.NoopCatalogCache{}, cfg.CatalogCacheTTL, log.WithField("module", "catalog"))
	imp := importer.New(repo, cat, log.WithField("module", "importer"), importer.WithChunkWrites(cfg.ImportChunkWrites))
	result, err := imp.Import(ctx, importer.Request{Rows: rows, OwnerID: flags.owner, Wipe: flags.wipe})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func openRepository(ctx context.Context, cfg config.Config, log *logrus.Logger) (store.Repository, func() error, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, importing into a throwaway in-memory store")
		return memory.NewSeeded(), func() error { return nil }, nil
	}
	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("apply schema: %w", err)
	}
	return pg, pg.Close, nil
}

// openLocker shares the server's redis lock when redis is reachable so a CLI
// run and an upload for the same owner cannot interleave.
func openLocker(ctx context.Context, cfg config.Config, log *logrus.Logger) (lock.Locker, func()) {
	if cfg.RedisAddr == "" {
		return lock.NewLocalLocker(), func() {}
	}
	client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := client.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("redis unavailable, import lock is process-local")
		_ = client.Close()
		return lock.NewLocalLocker(), func() {}
	}
	return lock.NewRedisLocker(client), func() { _ = client.Close() }
}

func printParsed(out io.Writer, parsed importer.Parsed) error {
	for _, row := range parsed.Rows {
		if row.Err != nil {
			if _, err := fmt.Fprintf(out, "%d\terror: %v\n", row.Number, row.Err); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(out, "%d\t%s\t%s\t%s\t%s\tqty=%d\ttotal=%s\tcollection=%s\tbalance=%s\n",
			row.Number,
			row.Date.Format("2006-01-02"),
			row.Kind(),
			row.Customer,
			row.Product,
			row.Quantity,
			row.Total.StringFixed(2),
			row.Collection.StringFixed(2),
			row.Balance.StringFixed(2),
		); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(out, "rows=%d skipped=%d\n", len(parsed.Rows), len(parsed.Skipped))
	return err
}
