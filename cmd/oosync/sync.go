package main

import (
	"context"
	"fmt"

	"github.com/oosync/oosync/internal/engine"
	"github.com/oosync/oosync/internal/hostconfig"
	"github.com/oosync/oosync/internal/outbox"
	"github.com/spf13/cobra"
)

var (
	syncPushOnly bool
	syncPullOnly bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued local writes and pull remote changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !hostconfig.IsAuthenticated() {
			return fmt.Errorf("not logged in (run: oosync auth login)")
		}

		svc, db, err := openService()
		if err != nil {
			return err
		}
		defer db.Close()
		defer svc.Destroy()

		ctx := context.Background()
		var report engine.Report
		switch {
		case syncPushOnly:
			report, err = svc.SyncUp(ctx)
		case syncPullOnly:
			report, err = svc.SyncDown(ctx)
		default:
			report, err = svc.Sync(ctx)
		}
		if err != nil {
			return err
		}

		printReport(report)
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state: pending pushes, last sync mode and timestamp",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, db, err := openService()
		if err != nil {
			return err
		}
		defer db.Close()
		defer svc.Destroy()

		stats, err := outbox.GetStats(db)
		if err != nil {
			return fmt.Errorf("outbox stats: %w", err)
		}

		fmt.Printf("Server:  %s\n", hostconfig.GetServerURL())
		fmt.Printf("Pending: %d\n", stats.Pending)
		fmt.Printf("Failed:  %d\n", stats.Failed)

		ts, err := svc.GetLastSyncDownTimestamp()
		if err == nil && ts != "" {
			fmt.Printf("Last pull: %s\n", ts)
		}

		mode, found, err := svc.GetLastSyncMode()
		if err == nil && found {
			fmt.Printf("Last mode: %s\n", mode)
		}
		return nil
	},
}

func printReport(r engine.Report) {
	fmt.Printf("Mode:    %s\n", r.Mode)
	fmt.Printf("Applied: %d\n", r.Applied)
	if r.Failed > 0 {
		fmt.Printf("Failed:  %d\n", r.Failed)
		for _, e := range r.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
	if r.PushedCompleted > 0 {
		fmt.Printf("Pushed:  %d\n", r.PushedCompleted)
	}
	if r.SyncedAt != "" {
		fmt.Printf("At:      %s\n", r.SyncedAt)
	}
}

func init() {
	syncCmd.Flags().BoolVar(&syncPushOnly, "push", false, "push only")
	syncCmd.Flags().BoolVar(&syncPullOnly, "pull", false, "pull only")
	syncCmd.AddCommand(syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}
