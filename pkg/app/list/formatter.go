package list

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/deploymenttheory/go-switchfs/pkg/app"
)

// FormatOutput writes the listing to w in the given format
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
	if len(response.Partitions) == 0 {
		fmt.Fprintln(out, "No partitions found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "#\tNAME\tOFFSET\tSIZE\tBIS KEY\tSTATUS\n")
	fmt.Fprintf(w, "-\t----\t------\t----\t-------\t------\n")

	for _, p := range response.Partitions {
		status := "cleartext"
		switch {
		case p.Encrypted && p.Readable:
			status = "encrypted"
		case p.Encrypted:
			status = "encrypted (no key)"
		}
		fmt.Fprintf(w, "%d\t%s\t0x%09x\t%s\t%s\t%s\n",
			p.Index, p.Name, p.Offset, p.FormatSize(), p.KeyIndex, status)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nImage: %s (%s, %s)\n", response.Image.Path, app.FormatBytes(response.Image.Size), response.Image.DeviceType)
	fmt.Fprintf(out, "Partitions found via %s: %d\n", response.Image.Method, len(response.Partitions))
	return nil
}
