package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kestrelmedia/playbuf/internal/decode"
)

// detectCmd runs the capability probe and prints the result. With no
// platform decoder binding compiled in, it reports the software fallback
// plus host inventory.
var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Probe decoder and GPU capabilities",
	Long: `Run the capability probe and print the detected decode path, supported
codecs, and host inventory as JSON. Detection never fails: probe errors
resolve to the conservative software fallback.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		probe := decode.NewProbe(decode.NewNullDecoder(), nil, decode.PreferSoftware, slog.Default())
		caps := probe.Detect(cmd.Context())

		data, err := json.MarshalIndent(caps, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding capabilities: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)
}
