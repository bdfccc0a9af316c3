package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/folio/internal"
	"github.com/starford/folio/internal/models"
	pkgconfig "github.com/starford/folio/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(cmd.String("config"), cfg, cmd.String("config-overlay")); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func promote(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	req := internal.PromoteRequest{
		SessionID:  cmd.String("session"),
		RoutesFile: cmd.String("routes-file"),
	}
	if v, h := cmd.String("signature-version"), cmd.String("signature-hash"); v != "" || h != "" {
		req.Signature = &models.PipelineSignature{
			Version:            v,
			RenderSettingsHash: h,
			GitCommit:          cmd.String("git-commit"),
		}
	}
	return internal.Promote(ctx, req, internal.WithConfig(cfg))
}

func discard(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.Discard(ctx, cmd.String("session"), internal.WithConfig(cfg))
}

func rebuildIndex(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RebuildIndex(ctx, internal.WithConfig(cfg))
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.ServeMCP(ctx, internal.WithConfig(cfg))
}

func sessionFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "session",
		Aliases:  []string{"s"},
		Usage:    "Staging session id",
		Required: true,
	}
}

func main() {
	cmd := &cli.Command{
		Name:   "folio",
		Usage:  "Publishes a rendered note vault by promoting staged sessions into production",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-overlay",
				Usage:   "Optional YAML file applied on top of --config; skipped when absent",
				Value:   "config/config.local.yaml",
				Sources: cli.EnvVars("APP_CONFIG_OVERLAY"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the ingest API, finalize workers and staging sweeper",
				Action: serve,
			},
			{
				Name:   "promote",
				Usage:  "Promote a staged session into production and wait for it",
				Action: promote,
				Flags: []cli.Flag{
					sessionFlag(),
					&cli.StringFlag{
						Name:  "routes-file",
						Usage: "File listing every route of the vault, one per line; pages missing from it are deleted",
					},
					&cli.StringFlag{
						Name:  "signature-version",
						Usage: "Override the staged pipeline signature version",
					},
					&cli.StringFlag{
						Name:  "signature-hash",
						Usage: "Override the staged render settings hash",
					},
					&cli.StringFlag{
						Name:  "git-commit",
						Usage: "Git commit recorded with an overridden signature",
					},
				},
			},
			{
				Name:   "discard",
				Usage:  "Drop a staging session",
				Action: discard,
				Flags:  []cli.Flag{sessionFlag()},
			},
			{
				Name:   "rebuild-index",
				Usage:  "Regenerate folder index pages from the production manifest",
				Action: rebuildIndex,
			},
			{
				Name:   "mcp",
				Usage:  "Serve the MCP tools on stdin/stdout",
				Action: serveMCP,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
