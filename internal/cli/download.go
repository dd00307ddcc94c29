package cli

import (
	"db-dump-restore/internal/report"
	"db-dump-restore/internal/services"

	"github.com/spf13/cobra"
)

func newDownloadCommand(root *rootOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download every table of the source schema as JSON dumps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()
			if dir != "" {
				cfg.Dump.Dir = dir
			}

			summary, err := services.NewDumpService(cfg.Dump, log).DumpAll(cmd.Context())
			if summary != nil {
				report.Dump(cmd.OutOrStdout(), summary)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (default DUMP_DIR)")
	return cmd
}
