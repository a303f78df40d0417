package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"looper/internal/kernel"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all loops",
	RunE:  runList,
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Emit the loop records as JSON")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, _ []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		loops, err := k.Orchestrator.GetAllLoops(ctx)
		if err != nil {
			return err
		}

		if listJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(loops)
		}

		if len(loops) == 0 {
			fmt.Println("No loops.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tITER\tDIRECTORY")
		for _, l := range loops {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				shortID(l.Config.ID), l.Config.Name, l.State.Status, l.State.Iterations, l.Config.Directory)
		}
		return w.Flush()
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
