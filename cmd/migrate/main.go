// Command migrate runs the profile/identity migration from a shell: a scan,
// the enabled repairs and a report, resumable after interruption.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/server"
	"github.com/dmitrijs2005/gophsync/internal/server/config"
	"github.com/dmitrijs2005/gophsync/internal/server/migration"
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd, err := parseCommand(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()
	logger := logging.NewTextLogger(os.Stderr, cfg.LogLevel)

	core, err := server.OpenCore(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "opening stores failed", "error", err.Error())
		return 1
	}
	defer core.Close(context.Background())

	var rep *migration.Report
	if cmd.resume != "" {
		rep, err = core.Runner.Resume(ctx, cmd.resume, cmd.options.Operator)
	} else {
		rep, err = core.Runner.Run(ctx, cmd.options)
	}

	if rep != nil {
		if werr := writeReport(rep, cmd.out); werr != nil {
			logger.Error(ctx, "writing report failed", "error", werr.Error())
		}
	}
	if err != nil {
		logger.Error(ctx, "migration failed", "error", err.Error())
		return 1
	}
	return 0
}

func writeReport(rep *migration.Report, path string) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	if _, err := os.Stdout.Write(append(b, '\n')); err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	return os.WriteFile(path, b, 0o600)
}
