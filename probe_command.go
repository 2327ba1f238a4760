package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"ffcache/ffmpeg"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newProbeCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "probe <source>",
		Short: "Show the streams of a source as the orchestrator sees them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prober := &ffmpeg.Prober{Bin: ctx.cfg.FFProbeBin, Timeout: ctx.cfg.FFTimeout}
			res, err := prober.Probe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			fmt.Fprintf(out, "Format:   %s\n", res.Format.FormatName)
			fmt.Fprintf(out, "Duration: %.1fs\n", res.DurationSeconds())
			if kbit := res.BitRateKbit(); kbit > 0 {
				fmt.Fprintf(out, "Bitrate:  %s/s\n", humanize.Bytes(uint64(kbit)*1024/8))
			}
			rows := make([][]string, 0, len(res.Streams))
			for _, s := range res.Streams {
				detail := ""
				switch s.CodecType {
				case "video":
					detail = fmt.Sprintf("%dx%d", s.Width, s.Height)
				case "audio":
					detail = fmt.Sprintf("%d ch", s.Channels)
				}
				def := ""
				if s.Disposition["default"] == 1 {
					def = "yes"
				}
				rows = append(rows, []string{strconv.Itoa(s.Index), s.CodecType, s.CodecName, s.Tags["language"], detail, def})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"#", "Type", "Codec", "Lang", "Detail", "Default"},
				rows,
				[]columnAlignment{alignRight},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw probe result")
	return cmd
}
