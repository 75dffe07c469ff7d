package extract

import (
	"fmt"
	"io"

	"github.com/deploymenttheory/go-switchfs/pkg/app"
)

// FormatOutput writes the extraction summary to w in the given format
func FormatOutput(w io.Writer, response *Response, format string) error {
	switch format {
	case app.FormatJSON:
		return app.WriteJSON(w, response)
	case app.FormatYAML:
		return app.WriteYAML(w, response)
	case app.FormatTable:
		return formatText(w, response)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

func formatText(w io.Writer, response *Response) error {
	fmt.Fprintf(w, "Extracted %s to %s\n", response.Partition, response.Dest)
	fmt.Fprintf(w, "  Read:    %s (%d bytes from offset 0x%x)\n", app.FormatBytes(response.BytesRead), response.BytesRead, response.Offset)
	if response.Compression != CompressionNone {
		fmt.Fprintf(w, "  Written: %s (%s, %.1f%%)\n", app.FormatBytes(response.BytesWritten), response.Compression, response.Ratio()*100)
	}
	_, err := fmt.Fprintf(w, "  Time:    %v\n", response.Elapsed)
	return err
}
