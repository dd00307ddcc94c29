package cli

import (
	"fmt"

	"db-dump-restore/internal/config"
	"db-dump-restore/internal/report"

	"github.com/spf13/cobra"
)

func newOrderCommand(root *rootOptions) *cobra.Command {
	var (
		validate bool
		source   string
		write    string
	)
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Show the restore order and check the curated order against live foreign keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := root.openApplication()
			if err != nil {
				return err
			}
			defer application.Close()

			opts := application.RestoreService.Options()
			if source != "" {
				if source != config.OrderSourceComputed && source != config.OrderSourceCurated {
					return fmt.Errorf("invalid --order-source %q", source)
				}
				opts.OrderSource = source
			}
			plan, err := application.RestoreService.PlanWith(cmd.Context(), opts)
			if err != nil {
				return err
			}
			report.Plan(cmd.OutOrStdout(), plan)

			if write != "" {
				if plan.Computed == nil {
					return fmt.Errorf("no computed order to write: %s", plan.FallbackReason)
				}
				of := &config.OrderFile{InsertOrder: plan.Computed, SelfReferencing: plan.SelfReferences}
				if err := of.Save(write); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", write)
			}

			if validate && !plan.Valid() {
				return fmt.Errorf("curated order has %d violation(s)", len(plan.Violations))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", false, "exit non-zero when the curated order violates a foreign key")
	cmd.Flags().StringVar(&source, "order-source", "", "computed or curated (default RESTORE_ORDER_SOURCE)")
	cmd.Flags().StringVar(&write, "write", "", "save the computed order as a curated order file")
	return cmd
}
