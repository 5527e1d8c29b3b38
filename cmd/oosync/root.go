// Package main implements the oosync CLI: sync, sync status, auth login,
// and config, wired against the local embedded database and the edge
// server's HTTP endpoint.
package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/oosync/oosync/internal/engine"
	"github.com/oosync/oosync/internal/hostconfig"
	"github.com/oosync/oosync/internal/hostdb"
	"github.com/oosync/oosync/internal/registry"
	"github.com/oosync/oosync/internal/syncservice"
	"github.com/oosync/oosync/internal/workerclient"
	"github.com/spf13/cobra"
)

var (
	versionStr string
	dbPathFlag string
)

// SetVersion sets the version string and enables --version on the root command.
func SetVersion(v string) {
	versionStr = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "oosync",
	Short: "Offline-first bidirectional sync for an embedded database",
	Long: `oosync synchronizes a local embedded database against a shared edge
server: pushes queued local writes, pulls remote changes since the last
watermark, and resolves conflicts per the registered table rules.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "path to the local database (default: $OOSYNC_DB or ./oosync.db)")
}

func dbPath() string {
	if dbPathFlag != "" {
		return dbPathFlag
	}
	if v := os.Getenv("OOSYNC_DB"); v != "" {
		return v
	}
	return "./oosync.db"
}

// openService opens the local database, wires the registry and worker
// client, and returns a ready-to-use sync facade. Callers must Close the
// returned *sql.DB when done.
func openService() (*syncservice.Service, *sql.DB, error) {
	db, err := hostdb.Open(dbPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	reg := registry.New()
	if err := hostdb.RegisterAll(db, reg); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("register host schema: %w", err)
	}
	if err := engine.InitWatermarkSchema(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init watermark schema: %w", err)
	}

	deviceID, err := hostconfig.GetDeviceID()
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("get device id: %w", err)
	}

	creds, err := hostconfig.LoadAuth()
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("load auth: %w", err)
	}
	userID := ""
	if creds != nil {
		userID = creds.UserID
	}

	client := workerclient.New(hostconfig.GetServerURL(), hostconfig.GetToken(), deviceID)

	eng := &engine.Engine{
		DB:       db,
		Registry: reg,
		Client:   client,
		UserID:   userID,
		DeviceID: deviceID,
	}

	svc := syncservice.New(eng, syncservice.Options{Logger: slog.Default()})
	return svc, db, nil
}

func printErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		printErr("%v", err)
		os.Exit(1)
	}
}
