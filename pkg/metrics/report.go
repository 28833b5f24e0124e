package metrics

import (
	"fmt"
	"io"
	"strings"
)

const ruleWidth = 90

// PrintSummary writes the human-readable report for the whole run to w.
// One overall group is always printed; when more than one distinct script
// appears in the log, a per-script group follows for each, sorted by
// identifier. Unhandled errors go to errW.
func (c *Collector) PrintSummary(w, errW io.Writer) {
	c.PrintGroup(w, errW, GroupOverall)

	groups := c.Groups()
	if len(groups) <= 1 {
		return
	}

	for _, group := range groups {
		fmt.Fprintln(w)
		fmt.Fprintln(w)
		c.PrintGroup(w, errW, group)
	}
}

// PrintGroup writes one group's formatted summary to w and the collected
// unhandled errors to errW.
func (c *Collector) PrintGroup(w, errW io.Writer, group string) {
	summary := c.Summarize(group)
	rule := strings.Repeat("=", ruleWidth)

	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "PERFORMANCE METRICS: %s\n", group)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Total Duration:           %.2f seconds\n", summary.TotalDuration)
	fmt.Fprintf(w, "Total Transactions:       %d\n", summary.TotalTransactions)
	fmt.Fprintf(w, "Successful Transactions:  %d\n", summary.Succeeded)
	fmt.Fprintf(w, "Failed Transactions:      %d\n", summary.Failed)
	fmt.Fprintf(w, "Transactions per Second:  %.2f TPS\n", summary.TPS)
	fmt.Fprintln(w, rule)

	fmt.Fprintf(w, "%-15s %20s %25s %20s\n",
		"Metric", "Client duration (ms)", "Server Duration (ms)", "CPU Time (ms)")
	fmt.Fprintln(w, strings.Repeat("-", ruleWidth))

	printStatRow(w, "Average", summary, func(b StatBlock) float64 { return b.Avg })
	printStatRow(w, "STDDev", summary, func(b StatBlock) float64 { return b.StdDev })
	fmt.Fprintln(w)
	printStatRow(w, "Minimum", summary, func(b StatBlock) float64 { return b.Min })
	printStatRow(w, "Maximum", summary, func(b StatBlock) float64 { return b.Max })
	fmt.Fprintln(w)
	printStatRow(w, "P50 (Median)", summary, func(b StatBlock) float64 { return b.P50 })
	printStatRow(w, "P95", summary, func(b StatBlock) float64 { return b.P95 })
	printStatRow(w, "P99", summary, func(b StatBlock) float64 { return b.P99 })

	fmt.Fprintln(w, rule)

	if len(c.UnhandledErrors) > 0 {
		fmt.Fprintln(errW)
		fmt.Fprintln(errW, "Unhandled errors occurred:")

		for _, msg := range c.UnhandledErrors {
			fmt.Fprintf(errW, "  %s\n", msg)
		}

		fmt.Fprintln(w, rule)
	}
}

func printStatRow(w io.Writer, label string, s GroupSummary, pick func(StatBlock) float64) {
	fmt.Fprintf(w, "%-15s %20.2f %25.2f %20.2f\n",
		label, pick(s.ClientLatency), pick(s.ServerDuration), pick(s.ServerCPUTime))
}
