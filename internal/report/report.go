// Package report renders restore, order and download summaries as text tables.
package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"db-dump-restore/internal/models"
	"db-dump-restore/internal/services"

	"github.com/olekukonko/tablewriter"
)

// Loads writes one row per table load plus a total line.
func Loads(w io.Writer, results []models.LoadResult, verified bool) {
	header := []string{"TABLE", "MODE", "STATUS", "READ", "INSERTED", "UPDATED", "SKIP DUP", "SKIP FK", "LOST", "TIME"}
	if verified {
		header = append(header, "ROWS", "OK")
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)

	var total models.LoadResult
	for _, r := range results {
		table.Append(loadRow(r, verified))
		total.Read += r.Read
		total.Inserted += r.Inserted
		total.Updated += r.Updated
		total.SkippedDuplicate += r.SkippedDuplicate
		total.SkippedFK += r.SkippedFK
		total.Lost += r.Lost
		total.RowsAfter += r.RowsAfter
		total.Duration += r.Duration
	}
	if len(results) > 1 {
		total.TableName = "TOTAL"
		table.SetFooter(loadRow(total, verified))
	}
	table.Render()
}

func loadRow(r models.LoadResult, verified bool) []string {
	row := []string{
		r.TableName,
		string(r.Mode),
		r.Status,
		strconv.Itoa(r.Read),
		strconv.Itoa(r.Inserted),
		strconv.Itoa(r.Updated),
		strconv.Itoa(r.SkippedDuplicate),
		strconv.Itoa(r.SkippedFK),
		strconv.Itoa(r.Lost),
		r.Duration.Round(time.Millisecond).String(),
	}
	if verified {
		ok := ""
		if r.Status != "" && r.Status != services.StatusMissing {
			ok = "no"
			if r.Verified {
				ok = "yes"
			}
		}
		row = append(row, strconv.FormatInt(r.RowsAfter, 10), ok)
	}
	return row
}

// Restore writes the outcome of a restore run.
func Restore(w io.Writer, r *services.RestoreReport) {
	fmt.Fprintf(w, "Run %s: %s (mode %s)\n", r.RunID, r.State, r.Mode)
	if r.Plan != nil {
		fmt.Fprintf(w, "Order source: %s, %d tables\n", r.Plan.Source, len(r.Plan.Order))
		if r.Plan.FallbackReason != "" {
			fmt.Fprintf(w, "Fallback: %s\n", r.Plan.FallbackReason)
		}
		if len(r.Plan.Violations) > 0 {
			Violations(w, r.Plan.Violations)
		}
	}
	if len(r.DeleteFailures) > 0 {
		tables := make([]string, 0, len(r.DeleteFailures))
		for t := range r.DeleteFailures {
			tables = append(tables, t)
		}
		sort.Strings(tables)
		fmt.Fprintln(w, "Delete failures:")
		for _, t := range tables {
			fmt.Fprintf(w, "  %s: %s\n", t, r.DeleteFailures[t])
		}
	}
	if len(r.Tables) > 0 {
		verified := false
		for _, t := range r.Tables {
			if t.RowsAfter > 0 || t.Verified {
				verified = true
				break
			}
		}
		Loads(w, r.Tables, verified)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", r.Error)
	}
}

// Plan writes the chosen order with each table's direct dependencies.
func Plan(w io.Writer, plan *services.OrderPlan) {
	fmt.Fprintf(w, "Order source: %s\n", plan.Source)
	if plan.FallbackReason != "" {
		fmt.Fprintf(w, "Fallback: %s\n", plan.FallbackReason)
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "TABLE", "LEVEL", "DEPENDS ON", "SELF REF"})
	table.SetAutoFormatHeaders(false)
	for _, d := range services.DescribeOrder(plan.Order, plan.Edges) {
		self := ""
		if d.SelfRef {
			self = "yes"
		}
		table.Append([]string{
			strconv.Itoa(d.Position + 1),
			d.TableName,
			strconv.Itoa(d.Level),
			joinOrDash(d.DependsOn),
			self,
		})
	}
	table.Render()

	if len(plan.Violations) > 0 {
		Violations(w, plan.Violations)
	} else {
		fmt.Fprintln(w, "Curated order is consistent with the live foreign keys.")
	}
}

// Violations lists curated order entries that break a foreign key.
func Violations(w io.Writer, violations []services.Violation) {
	fmt.Fprintf(w, "%d curated order violation(s):\n", len(violations))
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"DEPENDENT", "POS", "REFERENCED", "POS"})
	table.SetAutoFormatHeaders(false)
	for _, v := range violations {
		table.Append([]string{
			v.Dependent,
			strconv.Itoa(v.DependentPosition),
			v.Referenced,
			strconv.Itoa(v.ReferencedPosition),
		})
	}
	table.Render()
}

// Dump writes the outcome of a full download.
func Dump(w io.Writer, s *services.DumpSummary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"TABLE", "RESULT", "ROWS"})
	table.SetAutoFormatHeaders(false)

	saved := make([]string, 0, len(s.Saved))
	for t := range s.Saved {
		saved = append(saved, t)
	}
	sort.Strings(saved)
	for _, t := range saved {
		table.Append([]string{t, "saved", strconv.Itoa(s.Saved[t])})
	}
	for _, t := range s.Empty {
		table.Append([]string{t, "empty", "0"})
	}
	failed := make([]string, 0, len(s.Failed))
	for t := range s.Failed {
		failed = append(failed, t)
	}
	sort.Strings(failed)
	for _, t := range failed {
		table.Append([]string{t, "failed: " + s.Failed[t], "-"})
	}
	table.Render()
	fmt.Fprintf(w, "Downloaded %d table(s), %d empty, %d failed in %s\n",
		len(s.Saved), len(s.Empty), len(s.Failed), s.Elapsed.Round(time.Millisecond))
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
