// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/poiesic/alexandria"
	"github.com/poiesic/alexandria/api"
	"github.com/poiesic/alexandria/config"
	"github.com/poiesic/alexandria/core"
	notifyredis "github.com/poiesic/alexandria/notify/redis"
	"github.com/poiesic/alexandria/search"
	"github.com/poiesic/alexandria/tracker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "alexandria",
		Usage: "Multi-agent document processing",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				Value:   config.DefaultPath,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Usage:   "Path to BadgerDB database directory (overrides storage.path)",
			},
			&cli.BoolFlag{
				Name:  "mock",
				Usage: "Use deterministic local AI services instead of the configured endpoints",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the agents and the HTTP API",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Listen address (overrides api.addr)",
					},
					&cli.StringSliceFlag{
						Name:  "allow-origin",
						Usage: "Origin pattern allowed to open event streams",
					},
				},
			},
			{
				Name:      "ingest",
				Usage:     "Process files as one batch and report progress",
				ArgsUsage: "FILE...",
				Action:    ingestCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "priority",
						Aliases: []string{"p"},
						Usage:   "Batch priority (low, normal, high, critical)",
						Value:   "normal",
					},
				},
			},
			{
				Name:      "status",
				Usage:     "Show a batch's progress",
				ArgsUsage: "BATCH_ID",
				Action:    statusCommand,
			},
			{
				Name:      "watch",
				Usage:     "Follow a batch processed by a running server (requires redis)",
				ArgsUsage: "BATCH_ID",
				Action:    watchCommand,
			},
			{
				Name:   "history",
				Usage:  "List recent batches",
				Action: historyCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of batches to list",
						Value: 20,
					},
				},
			},
			{
				Name:      "search",
				Usage:     "Search processed documents",
				ArgsUsage: "QUERY...",
				Action:    searchCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "hits",
						Aliases: []string{"k"},
						Usage:   "Maximum number of results",
						Value:   5,
					},
					&cli.BoolFlag{
						Name:    "verbose",
						Aliases: []string{"v"},
						Usage:   "Show how each result was found",
					},
				},
			},
		},
	}
}

// loadConfig reads the configuration file and applies the global overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return nil, err
	}
	if db := c.String("db"); db != "" {
		cfg.Storage.Path = db
	}
	if c.Bool("mock") {
		cfg.Agents.Mock = true
	}
	return cfg, nil
}

// openLibrary opens and starts a library. The caller closes it with
// closeLibrary.
func openLibrary(ctx context.Context, c *cli.Context) (*alexandria.Library, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	lib, err := alexandria.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open library: %w", err)
	}
	if err := lib.Start(ctx); err != nil {
		closeLibrary(lib)
		return nil, fmt.Errorf("failed to start library: %w", err)
	}
	return lib, nil
}

func closeLibrary(lib *alexandria.Library) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := lib.Close(ctx); err != nil {
		slog.Error("error closing library", "err", err)
	}
}

func serveCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lib, err := openLibrary(ctx, c)
	if err != nil {
		return err
	}
	defer closeLibrary(lib)

	cfg := lib.Config()
	addr := c.String("addr")
	if addr == "" {
		addr = cfg.API.Addr
	}
	server, err := api.NewServer(lib, lib.Tracker(), lib.Searcher(), lib,
		api.WithLogger(slog.Default()),
		api.WithMaxUpload(cfg.API.MaxUploadMiB<<20),
		api.WithOriginPatterns(c.StringSlice("allow-origin")...))
	if err != nil {
		return err
	}
	return server.ListenAndServe(ctx, addr)
}

func ingestCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("at least one file is required")
	}
	priority, err := core.ParsePriority(c.String("priority"))
	if err != nil {
		return err
	}
	docs, err := readDocuments(c.Args().Slice())
	if err != nil {
		return err
	}

	// The library outlives an interrupt so the batch can still be cancelled.
	lib, err := openLibrary(c.Context, c)
	if err != nil {
		return err
	}
	defer closeLibrary(lib)
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	batchID, err := lib.Ingest(ctx, docs, tracker.WithPriority(priority))
	if batchID == "" {
		return fmt.Errorf("failed to submit batch: %w", err)
	}
	if err != nil {
		printWarning(os.Stderr, "some documents could not be dispatched: %v\n", err)
	}
	updates, unwatch, err := lib.Tracker().Watch(batchID)
	if err != nil {
		return err
	}
	defer unwatch()

	fmt.Fprintf(os.Stderr, "Batch: %s\n", batchID)
	fmt.Fprintf(os.Stderr, "Documents: %d\n", len(docs))
	fmt.Fprintln(os.Stderr)

	rec, err := follow(ctx, NewProgressPrinter(os.Stderr), updates)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return cancelOnInterrupt(lib, batchID)
		}
		return err
	}
	return exitStatus(rec)
}

// cancelOnInterrupt cancels the batch after the user interrupted ingest.
func cancelOnInterrupt(lib *alexandria.Library, batchID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := lib.Tracker().Cancel(ctx, batchID); err != nil && !errors.Is(err, tracker.ErrBatchTerminal) {
		return fmt.Errorf("cancelling batch %s: %w", batchID, err)
	}
	printWarning(os.Stderr, "batch %s cancelled\n", batchID)
	return cli.Exit("", 130)
}

func readDocuments(paths []string) ([]*core.Document, error) {
	docs := make([]*core.Document, 0, len(paths))
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		docs = append(docs, core.NewDocument(filepath.Base(path), content))
	}
	return docs, nil
}

// follow feeds updates to the printer until the batch is terminal or the
// channel closes, and returns the last record seen.
func follow(ctx context.Context, p *ProgressPrinter, updates <-chan tracker.Update) (core.BatchRecord, error) {
	var last core.BatchRecord
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case u, ok := <-updates:
			if !ok {
				p.Finish(last)
				return last, nil
			}
			last = u.Batch
			if last.Status.IsTerminal() {
				p.Finish(last)
				return last, nil
			}
			p.Report(last)
		}
	}
}

func exitStatus(rec core.BatchRecord) error {
	switch rec.Status {
	case core.BatchError:
		return cli.Exit(fmt.Sprintf("batch %s finished with %d failed documents", rec.BatchID, rec.ErrorCount), 2)
	case core.BatchCancelled:
		return cli.Exit(fmt.Sprintf("batch %s was cancelled", rec.BatchID), 3)
	}
	return nil
}

func batchArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", errors.New("exactly one batch id is required")
	}
	return c.Args().First(), nil
}

// statusCommand reads the Redis snapshot when Redis is enabled, so it works
// while a server holds the database. Otherwise it opens the database.
func statusCommand(c *cli.Context) error {
	batchID, err := batchArg(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	var rec core.BatchRecord
	if cfg.Redis.Enabled {
		publisher, err := notifyredis.NewPublisher(cfg.Redis.Options(), cfg.Redis.Prefix)
		if err != nil {
			return err
		}
		defer publisher.Close()
		u, err := publisher.Snapshot(c.Context, batchID)
		if err != nil {
			return fmt.Errorf("failed to read batch %s: %w", batchID, err)
		}
		rec = u.Batch
	} else {
		lib, err := openLibrary(c.Context, c)
		if err != nil {
			return err
		}
		defer closeLibrary(lib)
		if rec, err = lib.Tracker().Status(batchID); err != nil {
			return err
		}
	}
	printBatch(os.Stdout, rec)
	return nil
}

func watchCommand(c *cli.Context) error {
	batchID, err := batchArg(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if !cfg.Redis.Enabled {
		return errors.New("watch needs redis.enabled in the configuration")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	publisher, err := notifyredis.NewPublisher(cfg.Redis.Options(), cfg.Redis.Prefix)
	if err != nil {
		return err
	}
	defer publisher.Close()

	sub, err := publisher.Subscribe(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	p := NewProgressPrinter(os.Stderr)
	if u, err := publisher.Snapshot(ctx, batchID); err == nil {
		if u.Batch.Status.IsTerminal() {
			p.Finish(u.Batch)
			return exitStatus(u.Batch)
		}
		p.Report(u.Batch)
	} else if !errors.Is(err, tracker.ErrBatchNotFound) {
		return err
	}

	go func() {
		for err := range sub.Errors() {
			slog.Warn("skipping batch update", "err", err)
		}
	}()
	rec, err := follow(ctx, p, sub.Updates())
	if err != nil {
		return err
	}
	return exitStatus(rec)
}

func historyCommand(c *cli.Context) error {
	lib, err := openLibrary(c.Context, c)
	if err != nil {
		return err
	}
	defer closeLibrary(lib)

	batches := lib.Tracker().List(c.Int("limit"))
	if len(batches) == 0 {
		fmt.Println("No batches")
		return nil
	}
	printHistory(os.Stdout, batches)
	return nil
}

func searchCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("a query is required")
	}
	query := strings.Join(c.Args().Slice(), " ")

	lib, err := openLibrary(c.Context, c)
	if err != nil {
		return err
	}
	defer closeLibrary(lib)

	var monitor search.SearchMonitor
	if c.Bool("verbose") {
		monitor = newColorMonitor(os.Stderr)
	}
	results, err := lib.Searcher().SearchWithMonitor(c.Context, query, c.Int("hits"), monitor)
	if err != nil {
		return err
	}
	printResults(os.Stdout, results)
	return nil
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
