package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/beaconproof/pkg/jobregistry"
	"github.com/3leaps/beaconproof/pkg/output"
)

const formatJSONL = "jsonl"

// writeOutput renders v as indented JSON or YAML. YAML keys follow the
// JSON field names.
func writeOutput(w io.Writer, format string, v any) error {
	switch format {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q (expected json or yaml)", format)
	}
}

// writeJobRecords emits one job record per view, preceded by an error
// record for failed jobs.
func writeJobRecords(ctx context.Context, w output.Writer, views ...jobregistry.JobView) error {
	for _, v := range views {
		if v.Status == jobregistry.JobStateFailed {
			if err := w.WriteError(ctx, v.JobID, &output.ErrorRecord{Phase: v.Phase, Message: v.Error}); err != nil {
				return err
			}
		}
		if err := w.WriteJob(ctx, v.JobID, v); err != nil {
			return err
		}
	}
	return nil
}
