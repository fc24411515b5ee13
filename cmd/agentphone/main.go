/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Command agentphone runs a click-to-call agent phone with its HTTP gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	clicktocall "github.com/tejzpr/clicktocall-go"
	"github.com/tejzpr/clicktocall-go/config"
)

func main() {
	cmd := &cli.Command{
		Name:        "agentphone",
		Usage:       "Click-to-call agent phone",
		Description: "Registers a SIP-over-WebSocket agent leg and serves the click-to-call gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "yaml config file",
				Sources: cli.EnvVars("CLICKTOCALL_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "yaml config body",
				Sources: cli.EnvVars("CLICKTOCALL_CONFIG_BODY"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "overrides log.level from the config",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "overrides gateway.listen from the config",
			},
			&cli.StringFlag{
				Name:  "audio-out",
				Usage: "file that receives far-end audio as raw 16-bit PCM at 8 kHz",
			},
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Usage: "how long to wait for the active call and open requests on exit",
				Value: 15 * time.Second,
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	conf, err := config.Load(c.String("config"), c.String("config-body"))
	if err != nil {
		return err
	}
	if v := c.String("log-level"); v != "" {
		conf.Log.Level = v
	}
	if v := c.String("listen"); v != "" {
		conf.Gateway.Listen = v
	}

	logger, err := config.NewLogger(conf.Log.Level, conf.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	var audioOut io.Writer
	if path := c.String("audio-out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("opening audio output: %w", err)
		}
		defer f.Close()
		audioOut = f
	}

	phone, err := clicktocall.New(ctx, conf, &clicktocall.Options{
		AudioOut: audioOut,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              conf.Gateway.Listen,
		Handler:           phone.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := phone.Start(ctx); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", srv.Addr, "agent", conf.Agent.ID)
		serveErr <- srv.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	var runErr error
	select {
	case <-sigCtx.Done():
		logger.Info("exit requested, ending the active call and shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("gateway: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Duration("shutdown-timeout"))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}
	if err := phone.Stop(shutdownCtx); err != nil {
		logger.Warn("phone shutdown", "error", err)
	}
	return runErr
}
