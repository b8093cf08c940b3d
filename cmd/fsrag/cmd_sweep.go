package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/liliang-cn/fsrag/internal/service"
)

var (
	sweepTTL       time.Duration
	sweepPrincipal int64
	sweepTo        string
)

func init() {
	sweepCmd.Flags().DurationVar(&sweepTTL, "ttl", time.Hour, "reset documents RUNNING for longer than this")
	sweepCmd.Flags().Int64Var(&sweepPrincipal, "principal", 0, "only sweep this principal's collections")
	sweepCmd.Flags().StringVar(&sweepTo, "to", "pending", "reset target: pending or error")
	rootCmd.AddCommand(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reset documents stuck in RUNNING once and exit",
	RunE:  runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	target, err := service.ParseResetTarget(sweepTo)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	req := service.SweepRequest{TTL: sweepTTL, Target: target}
	if sweepPrincipal > 0 {
		req.PrincipalID = &sweepPrincipal
	}
	res, err := a.watchdog.Sweep(context.Background(), req)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-sweepTTL)
	fmt.Fprintf(cmd.OutOrStdout(), "reset %s document(s) to %s (stuck since before %s)\n",
		humanize.Comma(res.ResetCount), target, humanize.Time(cutoff))
	return nil
}
