package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/conneroisu/docserve/internal/version"
	"github.com/spf13/cobra"
)

var (
	versionFormat string
	versionShort  bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display the docserve version, commit, build time, Go version and platform.

Examples:
  docserve version               # Show version details
  docserve version --short       # Show short version
  docserve version --format json # Output as JSON`,
	RunE: runVersionCommand,
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().StringVarP(&versionFormat, "format", "f", "text", "Output format (text, json)")
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Show short version only")
}

func runVersionCommand(cmd *cobra.Command, args []string) error {
	return writeVersion(cmd.OutOrStdout(), version.Get(), versionFormat, versionShort)
}

func writeVersion(w io.Writer, info version.Info, format string, short bool) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)
	case "text":
		if short {
			_, err := fmt.Fprintln(w, info.Short())
			return err
		}
		_, err := fmt.Fprintln(w, info.String())
		return err
	default:
		return fmt.Errorf("unsupported format: %s (supported: text, json)", format)
	}
}
