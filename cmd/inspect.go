package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/capture/internal/capture/muxer"
	"github.com/babelcloud/gbox/packages/capture/internal/util"
)

type InspectOptions struct {
	OutputFormat string
}

func NewInspectCommand() *cobra.Command {
	opts := &InspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Show the tracks of a recorded movie file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteInspect(afero.NewOsFs(), cmd.OutOrStdout(), args[0], opts)
		},
		Example: `  gcapture inspect ~/.gcapture/recordings/capture-20260101-120000-1a2b3c4d.mp4
  gcapture inspect recording.webm --output json`,
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.OutputFormat, "output", "o", "text", "Output format (json or text)")

	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

type inspectTrack struct {
	ID        int     `json:"id"`
	Kind      string  `json:"kind"`
	Codec     string  `json:"codec"`
	TimeScale uint32  `json:"time_scale,omitempty"`
	Samples   int     `json:"samples"`
	Duration  float64 `json:"duration_seconds"`
}

type inspectOutput struct {
	File      string         `json:"file"`
	Container string         `json:"container"`
	Tracks    []inspectTrack `json:"tracks"`
}

func ExecuteInspect(fs afero.Fs, out io.Writer, path string, opts *InspectOptions) error {
	f, err := fs.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	probe, err := muxer.Probe(f)
	if err != nil {
		return errors.Wrapf(err, "failed to inspect %s", path)
	}

	result := inspectOutput{File: path, Container: string(probe.Container)}
	for _, t := range probe.Tracks {
		result.Tracks = append(result.Tracks, inspectTrack{
			ID:        t.ID,
			Kind:      t.Kind.String(),
			Codec:     t.Codec,
			TimeScale: t.TimeScale,
			Samples:   t.Samples,
			Duration:  t.Duration.Seconds(),
		})
	}

	if opts.OutputFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintf(out, "%s (%s)\n\n", result.File, result.Container)
	rows := make([]map[string]interface{}, 0, len(result.Tracks))
	for _, t := range result.Tracks {
		rows = append(rows, map[string]interface{}{
			"id":       t.ID,
			"kind":     t.Kind,
			"codec":    t.Codec,
			"samples":  t.Samples,
			"duration": fmt.Sprintf("%.3fs", t.Duration),
		})
	}
	util.RenderTable(out, []util.TableColumn{
		{Header: "TRACK", Key: "id"},
		{Header: "KIND", Key: "kind"},
		{Header: "CODEC", Key: "codec"},
		{Header: "SAMPLES", Key: "samples"},
		{Header: "DURATION", Key: "duration"},
	}, rows)
	return nil
}
