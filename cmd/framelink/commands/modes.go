package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/framelink/internal/device"
)

var modesCmd = &cobra.Command{
	Use:   "modes",
	Short: "List display modes",
	Long:  `List the display modes framelink knows, with their geometry and frame rate.`,
	Example: `  # List modes in table format (default)
  framelink modes

  # List modes in JSON format
  framelink modes --format json`,
	RunE: runModes,
}

var modesFormat string

func init() {
	rootCmd.AddCommand(modesCmd)

	modesCmd.Flags().StringVarP(&modesFormat, "format", "f", "table", "output format (table or json)")
}

func runModes(cmd *cobra.Command, args []string) error {
	modes := device.Modes()

	switch modesFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(modes)
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "NAME\tWIDTH\tHEIGHT\tFPS\tFIELDS\tCOLOR SPACE")
		for _, m := range modes {
			fmt.Fprintf(w, "%s\t%d\t%d\t%.3f\t%s\t%s\n", m.Name, m.Width, m.Height, m.FrameRate(), m.FieldDominance, m.ColorSpace)
		}
		return nil
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", modesFormat)
	}
}
