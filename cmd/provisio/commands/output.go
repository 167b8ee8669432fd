package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/openfroyo/provisio/pkg/engine"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table writes tab-separated rows aligned in columns.
func table(w io.Writer, header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func printStatuses(w io.Writer, statuses []engine.PropagationStatus) error {
	if jsonOutput {
		return writeJSON(w, statuses)
	}
	rows := make([][]string, len(statuses))
	for i, s := range statuses {
		rows[i] = []string{s.Resource, string(s.Operation), string(s.Status), string(s.FailureKind), s.FailureReason}
	}
	return table(w, []string{"RESOURCE", "OPERATION", "STATUS", "KIND", "REASON"}, rows)
}

func printReports(w io.Writer, reports []engine.ProvisioningReport) error {
	if jsonOutput {
		return writeJSON(w, reports)
	}
	rows := make([][]string, len(reports))
	for i, r := range reports {
		rows[i] = []string{r.UidValue, r.Key, string(r.Operation), r.Rule, string(r.State), string(r.Status), r.Message}
	}
	return table(w, []string{"UID", "KEY", "OPERATION", "RULE", "STATE", "STATUS", "MESSAGE"}, rows)
}
