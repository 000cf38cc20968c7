package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/chainsync/internal/control"
	"github.com/vietddude/chainsync/internal/core/chains"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the watermark of every ingested chain",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("status needs database.url")
	}

	ctx := context.Background()
	st, err := control.OpenStorage(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	marks, err := st.Watermarks.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list watermarks: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CHAIN\tID\tLAST SYNCED\tUPDATED")
	for _, m := range marks {
		name := "unknown"
		if c, err := chains.ByID(m.ChainID); err == nil {
			name = c.Label()
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", name, m.ChainID, m.LastSyncedBlock, m.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
