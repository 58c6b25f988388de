package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetillo/dispatch-gateway/internal/bootstrap"
	"github.com/fleetillo/dispatch-gateway/internal/config"
	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/internal/queue"
)

var deliverCmd = &cobra.Command{
	Use:   "deliver <dispatch-id>",
	Short: "Run delivery for a dispatch left pending or sending",
	Long: "In queue mode the task is published to the delivery stream; " +
		"otherwise it is delivered from this process. Finished dispatches are left alone. " +
		"A channel still sending is only retried once DELIVERY_CLAIM_TTL has passed since its last update.",
	Args: cobra.ExactArgs(1),
	RunE: deliver,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print dispatch counts by status",
	RunE:  stats,
}

func init() {
	rootCmd.AddCommand(deliverCmd, statsCmd)
}

func deliver(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Get()
	db, err := bootstrap.OpenDB(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	app := bootstrap.NewDispatch(cfg, db)

	found, err := app.Service.GetDispatch(ctx, args[0])
	if err != nil {
		return err
	}
	d := found.Dispatch
	if d.Status.IsTerminal() {
		fmt.Fprintf(cmd.OutOrStdout(), "dispatch %s is already %s\n", d.ID, d.Status)
		return nil
	}

	if cfg.QueueMode() {
		adapter, err := bootstrap.OpenRedis(cfg)
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		q, err := queue.NewQueue(adapter, bootstrap.QueueConfig(cfg))
		if err != nil {
			return err
		}
		defer q.Stop(time.Second)
		if err := q.Schedule(ctx, model.DeliveryTask{DispatchID: d.ID, CreatedAt: d.CreatedAt}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "dispatch %s queued on %s\n", d.ID, q.Name())
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.DeliveryTimeout)
	defer cancel()
	if err := app.Service.Deliver(ctx, d.ID); err != nil {
		return err
	}
	after, err := app.Service.GetDispatch(ctx, d.ID)
	if err != nil {
		return err
	}
	return printJSON(cmd, after)
}

func stats(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	db, err := bootstrap.OpenDB(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	s, err := bootstrap.NewDispatch(cfg, db).Service.GetStats(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, s)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
