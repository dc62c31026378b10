package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/memhive/memhive/internal/hive"
	"github.com/memhive/memhive/internal/worker"
	"github.com/memhive/memhive/pkg/config"
	"github.com/memhive/memhive/pkg/hamtmap"
)

var (
	hiveWorkers             int
	hiveWorkQueueCapacity   int
	hiveHealthQueueCapacity int
	hiveInboxCapacity       int
)

// hiveCmd groups the memhive runtime subcommands.
var hiveCmd = &cobra.Command{
	Use:   "hive",
	Short: "Start and exercise a memhive Hive",
}

// hiveRunCmd runs a demo Hive: N workers each pull one request off the
// shared work queue, echo it back to the parent's inbox, and close.
var hiveRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a Hive with a pool of workers exchanging messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		l := GetLogger()

		cfg := config.HiveConfig{
			WorkQueueCapacity:     hiveWorkQueueCapacity,
			HealthQueueCapacity:   hiveHealthQueueCapacity,
			InboxCapacity:         hiveInboxCapacity,
			RefDrainIntervalMinMs: 10,
			RefDrainIntervalMaxMs: 50,
			WorkerReadyTimeoutMs:  5000,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		h := hive.New(cfg)
		h.Set(hamtmap.NewStr("origin"), hamtmap.NewStr(BinName()))

		ctrl := worker.NewController(l)
		mains := make([]worker.MainFunc, hiveWorkers)
		for i := range mains {
			workerNum := i
			mains[i] = func(ctx context.Context, sub *hive.Sub) error {
				msg, err := sub.Claim(ctx)
				if err != nil {
					return err
				}
				l.Info("worker %d claimed %v", workerNum, msg)
				return sub.Push(ctx, msg)
			}
		}

		ids, err := ctrl.Group(ctx, h, mains...)
		if err != nil {
			return fmt.Errorf("launching workers: %w", err)
		}
		l.Info("hive ready with %d workers: %v", len(ids), ids)

		for i := 0; i < hiveWorkers; i++ {
			if err := h.Push(ctx, hamtmap.NewStr(fmt.Sprintf("job-%d", i))); err != nil {
				return fmt.Errorf("posting job %d: %w", i, err)
			}
		}

		for i := 0; i < hiveWorkers; i++ {
			msg, err := h.Listen(ctx)
			if err != nil {
				return fmt.Errorf("waiting for worker reply: %w", err)
			}
			l.Info("hive received reply: %v", msg)
		}

		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.Close(closeCtx); err != nil {
			return fmt.Errorf("closing hive: %w", err)
		}
		l.Info("hive closed cleanly")
		return nil
	},
}

func init() {
	hiveRunCmd.Flags().IntVar(&hiveWorkers, "workers", 4, "Number of workers to launch")
	hiveRunCmd.Flags().IntVar(&hiveWorkQueueCapacity, "work-queue-capacity", 256, "Shared work queue capacity")
	hiveRunCmd.Flags().IntVar(&hiveHealthQueueCapacity, "health-queue-capacity", 64, "Health event queue capacity")
	hiveRunCmd.Flags().IntVar(&hiveInboxCapacity, "inbox-capacity", 64, "Per-worker inbox capacity")

	hiveCmd.AddCommand(hiveRunCmd)
	rootCmd.AddCommand(hiveCmd)
}
