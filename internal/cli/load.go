package cli

import (
	"fmt"
	"strings"

	"db-dump-restore/internal/models"
	"db-dump-restore/internal/report"
	"db-dump-restore/internal/services"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newLoadCommand(root *rootOptions) *cobra.Command {
	var (
		file    string
		mode    string
		selfRefs []string
	)
	cmd := &cobra.Command{
		Use:   "load <table>",
		Short: "Load one table from its dump file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := args[0]
			loadMode, ok := models.ParseLoadMode(mode)
			if !ok {
				return fmt.Errorf("invalid --mode %q", mode)
			}
			var refs []models.SelfReference
			for _, s := range selfRefs {
				r, err := parseSelfRef(table, s)
				if err != nil {
					return err
				}
				refs = append(refs, r)
			}

			application, err := root.openApplication()
			if err != nil {
				return err
			}
			defer application.Close()

			ctx := cmd.Context()
			cfg := application.Config
			log := application.Logger.With(zap.String("table", table))

			schema, err := application.SchemaService.GetTableSchema(ctx, table)
			if err != nil {
				return err
			}
			reader := services.NewDumpReader(cfg.Restore.Dir, cfg.Dump.Location())
			var rows []models.Row
			if file != "" {
				rows, err = reader.ReadFile(file, schema)
			} else {
				var found bool
				rows, found, err = reader.ReadTable(table, schema)
				if err == nil && !found {
					path, _ := services.DumpPath(cfg.Restore.Dir, table)
					return fmt.Errorf("no dump file for %s (looked for %s)", table, path)
				}
			}
			if err != nil {
				return err
			}
			log.Info("Loaded dump", zap.Int("rows", len(rows)))

			if len(refs) == 0 {
				for _, r := range application.Order.SelfReferencing {
					if r.Table == table {
						refs = append(refs, r)
					}
				}
			}

			writer := services.NewBulkWriter(cfg.Restore.BatchSize, application.Logger)
			var result models.LoadResult
			if len(refs) > 0 {
				result, err = writer.LoadSelfReferencing(ctx, application.DB, refs, schema, rows, loadMode)
			} else {
				result, err = writer.Load(ctx, application.DB, table, schema, rows, loadMode)
			}
			report.Loads(cmd.OutOrStdout(), []models.LoadResult{result}, false)
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "dump file (default <RESTORE_DIR>/<table>_dump.json)")
	cmd.Flags().StringVar(&mode, "mode", string(models.LoadModeUpsert), "upsert or replace")
	cmd.Flags().StringSliceVar(&selfRefs, "self-ref", nil, "self-referencing column as column[:key], loaded in two passes (repeatable)")
	return cmd
}

// parseSelfRef reads "column" or "column:key".
func parseSelfRef(table, s string) (models.SelfReference, error) {
	col, key, _ := strings.Cut(s, ":")
	col, key = strings.TrimSpace(col), strings.TrimSpace(key)
	if col == "" {
		return models.SelfReference{}, fmt.Errorf("invalid --self-ref %q", s)
	}
	if key == "" {
		key = "id"
	}
	return models.SelfReference{Table: table, Column: col, Key: key}, nil
}
