// Command ingest submits local files as one batch and optionally promotes the
// batch and writes a CSV status report.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kirillkom/doc-intake/internal/bootstrap"
	"github.com/kirillkom/doc-intake/internal/config"
	"github.com/kirillkom/doc-intake/internal/core/domain"
	"github.com/kirillkom/doc-intake/internal/infrastructure/report"
	"github.com/kirillkom/doc-intake/internal/observability/logging"
)

func main() {
	var (
		tenant  = flag.String("tenant", "", "tenant id (required)")
		source  = flag.String("source", string(domain.SourceGeneric), "batch source type: generic, invoices, receipts, bank_transactions, products")
		origin  = flag.String("origin", string(domain.OriginAPI), "batch origin: api or legacy_migration")
		promote = flag.Bool("promote", false, "promote ready items once the batch settles")
		out     = flag.String("report", "", "write a CSV item report to this path")
		wait    = flag.Duration("wait", 10*time.Minute, "how long to wait for the in-process queue to drain")
	)
	flag.Parse()
	if *tenant == "" || flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: ingest -tenant ID [-source TYPE] [-promote] [-report out.csv] FILE...")
		os.Exit(2)
	}

	cfg := config.Load()
	logger := logging.NewJSONLogger("doc-intake-ingest", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *tenant, domain.SourceType(*source), domain.BatchOrigin(*origin), *promote, *out, *wait, flag.Args()); err != nil {
		logger.Error("ingest_failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, tenant string, source domain.SourceType, origin domain.BatchOrigin, promote bool, out string, wait time.Duration, paths []string) error {
	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	batchID, err := app.Ingest.CreateBatch(ctx, tenant, source, origin, "")
	if err != nil {
		return err
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		itemID, err := app.Ingest.IngestFile(ctx, tenant, batchID, filepath.Base(path), data, detectMIME(path, data))
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		logger.Info("file_ingested", "batch_id", batchID, "item_id", itemID, "path", path)
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := app.WaitIdle(waitCtx); err != nil {
		return fmt.Errorf("wait for batch %s: %w", batchID, err)
	}

	if promote {
		res, err := app.Ingest.PromoteBatch(ctx, tenant, batchID)
		if err != nil {
			return err
		}
		logger.Info("batch_promotion", "batch_id", batchID, "created", res.Created, "skipped", res.Skipped, "errors", res.Errors)
	}

	if out != "" {
		items, err := app.Ingest.GetBatchItems(ctx, tenant, batchID)
		if err != nil {
			return err
		}
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("create report: %w", err)
		}
		if err := report.WriteItemSummaries(f, items); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close report: %w", err)
		}
	}
	fmt.Println(batchID)
	return nil
}

// detectMIME prefers the extension and falls back to content sniffing.
func detectMIME(path string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}
