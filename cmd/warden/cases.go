package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"modwarden/internal/casecounter"
	"modwarden/internal/driver"

	"github.com/urfave/cli/v2"
)

func casesCommand() *cli.Command {
	tenantFlag := &cli.StringFlag{
		Name:     "tenant",
		Usage:    "tenant (supergroup) id whose case numbers are touched",
		Required: true,
	}

	return &cli.Command{
		Name:  "cases",
		Usage: "inspect and maintain case numbers",
		Subcommands: []*cli.Command{
			{
				Name:  "next",
				Usage: "allocate and print the next case number",
				Flags: []cli.Flag{tenantFlag},
				Action: func(cctx *cli.Context) error {
					return withCaseCounter(cctx, func(ctx context.Context, counter *casecounter.Counter, tenantID string) error {
						next, err := counter.Next(ctx, tenantID)
						if err != nil {
							return err
						}
						_, err = fmt.Fprintln(cctx.App.Writer, next)
						return err
					})
				},
			},
			{
				Name:  "reset",
				Usage: "set the case numbers of a tenant back to zero",
				Flags: []cli.Flag{tenantFlag},
				Action: func(cctx *cli.Context) error {
					return withCaseCounter(cctx, func(ctx context.Context, counter *casecounter.Counter, tenantID string) error {
						counter.Reset(ctx, tenantID)
						return nil
					})
				},
			},
		},
	}
}

func withCaseCounter(
	cctx *cli.Context,
	action func(ctx context.Context, counter *casecounter.Counter, tenantID string) error,
) error {
	tenantID := strings.TrimSpace(cctx.String("tenant"))
	if tenantID == "" {
		return fmt.Errorf("cases: --tenant is required")
	}

	registry, err := driver.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("new builtin driver registry: %w", err)
	}
	cfg, err := loadConfig(cctx.String("config"), registry)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newCLILogger(cctx.App.ErrWriter, cfg.logLevel)
	counter, closeStore, err := buildCaseCounter(cctx.Context, logger, nil, cfg.cases)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := action(cctx.Context, counter, tenantID); err != nil {
		return fmt.Errorf("cases %s: %w", cctx.Command.Name, err)
	}

	return nil
}

func newCLILogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
