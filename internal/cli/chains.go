package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/chainsync/internal/core/chains"
	"github.com/vietddude/chainsync/internal/core/domain"
)

var chainsCmd = &cobra.Command{
	Use:   "chains",
	Short: "List supported chains and providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
		_, _ = fmt.Fprintln(w, "CHAIN\tID\tREORG DEPTH\tPROVIDERS")
		for _, c := range chains.List() {
			var provs []string
			for _, p := range domain.ProviderNames {
				if c.Supports(p) {
					provs = append(provs, string(p))
				}
			}
			if len(provs) == 0 {
				provs = []string{"custom only"}
			}
			_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", c.Name, c.ID, c.ReorgDepth, strings.Join(provs, ", "))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(chainsCmd)
}
