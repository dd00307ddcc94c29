// Package cli implements the dbclone command line.
package cli

import (
	"context"
	"fmt"
	"io"

	"db-dump-restore/internal/app"
	"db-dump-restore/internal/config"
	"db-dump-restore/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	envPath  string
	logLevel string
}

// NewRootCommand builds the dbclone command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "dbclone",
		Short:         "Download table dumps and restore them into a MySQL database",
		Long:          "dbclone downloads per-table JSON dumps from the query API and reloads them into the local database in foreign key order.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.envPath, "env", ".env", "path to the .env file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL")

	cmd.AddCommand(
		newDownloadCommand(opts),
		newOrderCommand(opts),
		newRestoreCommand(opts),
		newLoadCommand(opts),
	)
	return cmd
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func (o *rootOptions) loadConfig() (*config.AppConfig, *zap.Logger, error) {
	cfg, err := config.Load(o.envPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// openApplication loads the configuration, connects to the database and wires
// the services.
func (o *rootOptions) openApplication() (*app.Application, error) {
	cfg, log, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return openApplicationWith(cfg, log)
}

func openApplicationWith(cfg *config.AppConfig, log *zap.Logger) (*app.Application, error) {
	db, err := config.InitDatabase(cfg, log)
	if err != nil {
		return nil, err
	}
	application, err := app.NewApplication(cfg, db, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return application, nil
}
