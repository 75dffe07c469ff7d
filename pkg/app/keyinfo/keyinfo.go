// Package keyinfo validates a BIS key dump and reports which key pairs it
// provides.
package keyinfo

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/deploymenttheory/go-switchfs/internal/keys"
	"github.com/deploymenttheory/go-switchfs/internal/types"
	"github.com/deploymenttheory/go-switchfs/pkg/app"
)

// Request represents a key dump check
type Request struct {
	// Path to the key dump. Empty uses the configured or default location.
	Path string
}

// Response describes the key table
type Response struct {
	Path     string      `json:"path" yaml:"path"`
	Keys     []KeyStatus `json:"keys" yaml:"keys"`
	Complete bool        `json:"complete" yaml:"complete"`
}

// KeyStatus describes one BIS key slot
type KeyStatus struct {
	Index      int      `json:"index" yaml:"index"`
	Present    bool     `json:"present" yaml:"present"`
	Partitions []string `json:"partitions" yaml:"partitions"`
}

// Handle loads the key dump and reports each slot
func Handle(ctx *app.Context, req *Request) (*Response, error) {
	kt, path, err := app.LoadKeys(ctx, req.Path, true)
	if err != nil {
		return nil, err
	}

	resp := &Response{Path: path, Complete: true}
	for i := 0; i < types.BISKeyCount; i++ {
		idx := keys.KeyIndex(i)
		st := KeyStatus{Index: i, Present: kt.Has(idx), Partitions: []string{}}
		for _, p := range types.KnownPartitions {
			if keys.IndexForPartition(p.Name) == idx {
				st.Partitions = append(st.Partitions, p.Name)
			}
		}
		if !st.Present {
			resp.Complete = false
		}
		resp.Keys = append(resp.Keys, st)
	}

	ctx.Log(fmt.Sprintf("Loaded %d of %d BIS key pairs from %s", len(kt.Present()), types.BISKeyCount, path))
	return resp, nil
}

// FormatOutput writes the key report to w in the given format
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
	fmt.Fprintf(out, "Key file: %s\n\n", response.Path)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "BIS KEY\tSTATUS\tPARTITIONS\n")
	fmt.Fprintf(w, "-------\t------\t----------\n")
	for _, k := range response.Keys {
		status := "missing"
		if k.Present {
			status = "present"
		}
		parts := "-"
		if len(k.Partitions) > 0 {
			parts = fmt.Sprint(k.Partitions)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", k.Index, status, parts)
	}
	return w.Flush()
}
