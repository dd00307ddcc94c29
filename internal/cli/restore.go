package cli

import (
	"fmt"
	"os"

	"db-dump-restore/internal/config"
	"db-dump-restore/internal/models"
	"db-dump-restore/internal/report"

	"github.com/spf13/cobra"
)

type restoreFlags struct {
	orderSource string
	strict      bool
	mode        string
	yes         bool
	verify      bool
	download    bool
	dir         string
}

func newRestoreCommand(root *rootOptions) *cobra.Command {
	f := &restoreFlags{}
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Wipe the local tables and reload them from the dump files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.loadConfig()
			if err != nil {
				return err
			}
			if err := f.apply(cmd, cfg); err != nil {
				return err
			}

			if !f.yes {
				ok, err := confirm(os.Stdin, cmd.ErrOrStderr(),
					fmt.Sprintf("This deletes every row of the tables in %s. Continue?", cfg.Database.Name))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.ErrOrStderr(), "aborted")
					return nil
				}
			}

			application, err := openApplicationWith(cfg, log)
			if err != nil {
				return err
			}
			defer application.Close()

			if f.download {
				summary, err := application.DumpService.DumpAll(cmd.Context())
				if summary != nil {
					report.Dump(cmd.OutOrStdout(), summary)
				}
				if err != nil {
					return err
				}
			}

			result, err := application.RestoreService.Run(cmd.Context())
			if result != nil {
				report.Restore(cmd.OutOrStdout(), result)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&f.orderSource, "order-source", "", "computed or curated (default RESTORE_ORDER_SOURCE)")
	cmd.Flags().BoolVar(&f.strict, "strict", false, "refuse to run a curated order that violates a foreign key")
	cmd.Flags().StringVar(&f.mode, "mode", "", "replace or upsert (default RESTORE_MODE)")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&f.verify, "verify", false, "count rows after loading")
	cmd.Flags().BoolVar(&f.download, "download", false, "download fresh dumps first")
	cmd.Flags().StringVar(&f.dir, "dir", "", "dump directory (default RESTORE_DIR)")
	return cmd
}

// apply copies the flags that were set onto the configuration.
func (f *restoreFlags) apply(cmd *cobra.Command, cfg *config.AppConfig) error {
	flags := cmd.Flags()
	if flags.Changed("order-source") {
		if f.orderSource != config.OrderSourceComputed && f.orderSource != config.OrderSourceCurated {
			return fmt.Errorf("invalid --order-source %q", f.orderSource)
		}
		cfg.Restore.OrderSource = f.orderSource
	}
	if flags.Changed("strict") {
		cfg.Restore.StrictOrder = f.strict
	}
	if flags.Changed("mode") {
		if _, ok := models.ParseLoadMode(f.mode); !ok {
			return fmt.Errorf("invalid --mode %q", f.mode)
		}
		cfg.Restore.Mode = f.mode
	}
	if flags.Changed("verify") {
		cfg.Restore.Verify = f.verify
	}
	if flags.Changed("dir") {
		cfg.Restore.Dir = f.dir
		cfg.Dump.Dir = f.dir
	}
	return nil
}
