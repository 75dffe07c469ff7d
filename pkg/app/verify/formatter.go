package verify

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/deploymenttheory/go-switchfs/pkg/app"
)

// FormatOutput writes verification results to w in the given format
func FormatOutput(w io.Writer, response *Response, format string) error {
	switch format {
	case app.FormatJSON:
		return app.WriteJSON(w, response)
	case app.FormatYAML:
		return app.WriteYAML(w, response)
	case app.FormatTable:
		return formatTable(w, response)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

func formatTable(out io.Writer, response *Response) error {
	switch {
	case !response.GPT.Checked:
		fmt.Fprintln(out, "GPT: not checked (retail layout)")
	case response.GPT.Valid:
		fmt.Fprintf(out, "GPT: valid, %d partitions\n", response.GPT.Entries)
	default:
		fmt.Fprintf(out, "GPT: INVALID (%s)\n", response.GPT.Detail)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "PARTITION\tBIS KEY\tSTATUS\tDETAIL\n")
	fmt.Fprintf(w, "---------\t-------\t------\t------\n")
	for _, p := range response.Partitions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Partition, p.KeyIndex, p.Status, p.Detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	result := "OK"
	if !response.OK {
		result = fmt.Sprintf("FAILED (%d partitions)", response.Failures())
	}
	_, err := fmt.Fprintf(out, "\nResult: %s\n", result)
	return err
}
