package internal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/starford/folio/internal/jobs"
	"github.com/starford/folio/internal/mcpserver"
	"github.com/starford/folio/internal/metrics"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/siteservice"
)

// PromoteRequest is a one-shot promotion run from the command line.
type PromoteRequest struct {
	SessionID string
	// RoutesFile lists every route of the vault, one per line. Empty means
	// the route list is unknown and no page is deleted.
	RoutesFile string
	// Signature, when set, replaces the staged pipeline signature.
	Signature *models.PipelineSignature
}

// Promote promotes one staged session synchronously, records it in the job
// ledger and prints the finished job as JSON.
func Promote(ctx context.Context, req PromoteRequest, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, app.config.App.LogLevel)

	var routes []string
	if req.RoutesFile != "" {
		if routes, err = readRoutes(req.RoutesFile); err != nil {
			return err
		}
	}

	db, err := jobs.Open(app.config.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init job ledger: %w", err)
	}
	defer db.Close()

	m := metrics.New(app.registry)
	queue := app.queue(db, app.coordinator(logger, m), logger, m)
	j, err := queue.Execute(ctx, req.SessionID, jobs.Payload{Routes: routes, PipelineSignature: req.Signature})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(app.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(j); err != nil {
		return err
	}
	if j.Status != jobs.StatusSucceeded {
		return fmt.Errorf("promotion of %s failed: %s", req.SessionID, j.Error)
	}
	return nil
}

// readRoutes reads one route per line. Blank lines and lines starting with # are skipped.
func readRoutes(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read routes: %w", err)
	}
	defer f.Close()

	routes := []string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		routes = append(routes, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read routes: %w", err)
	}
	return routes, nil
}

// Discard removes the staging directories of one session.
func Discard(_ context.Context, sessionID string, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, app.config.App.LogLevel)
	if err := app.coordinator(logger, nil).Discard(sessionID); err != nil {
		return err
	}
	logger.Info("session discarded", slog.String("session_id", sessionID))
	return nil
}

// RebuildIndex regenerates the folder index pages from the production manifest.
func RebuildIndex(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, app.config.App.LogLevel)
	if err := app.coordinator(logger, nil).RebuildIndex(ctx); err != nil {
		return err
	}
	logger.Info("folder indexes rebuilt", slog.String("content_root", app.config.Site.ContentRoot))
	return nil
}

// ServeMCP runs the MCP server on stdin/stdout. Finalize jobs queued through
// it are processed in the background while it runs.
func ServeMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	// stdout carries the protocol.
	logger := newLogger(os.Stderr, app.config.App.LogLevel)

	db, err := jobs.Open(app.config.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init job ledger: %w", err)
	}
	defer db.Close()

	coord := app.coordinator(logger, nil)
	queue := app.queue(db, coord, logger, nil)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := queue.Run(ctx); err != nil {
			logger.Error("job workers stopped", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		cancel()
		<-done
	}()

	srv := mcpserver.New(siteservice.NewService(coord, queue, db))
	return srv.ServeStdio()
}
