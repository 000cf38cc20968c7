package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vietddude/chainsync/internal/control"
	"github.com/vietddude/chainsync/internal/core/chains"
)

var (
	resetChain string
	resetBlock uint64
)

var resetWatermarkCmd = &cobra.Command{
	Use:   "reset-watermark",
	Short: "Set the watermark of a chain to a given block height",
	Long: `Set the watermark of a chain to a given block height.

Ingestion resumes at block+1 on the next start. Stop chainsync first.`,
	RunE: runResetWatermark,
}

func init() {
	resetWatermarkCmd.Flags().StringVar(&resetChain, "chain", "", "chain name")
	resetWatermarkCmd.Flags().Uint64Var(&resetBlock, "block", 0, "last synced block height")
	_ = resetWatermarkCmd.MarkFlagRequired("chain")
	_ = resetWatermarkCmd.MarkFlagRequired("block")
	rootCmd.AddCommand(resetWatermarkCmd)
}

func runResetWatermark(cmd *cobra.Command, args []string) error {
	chain, err := chains.Get(resetChain)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("reset-watermark needs database.url")
	}

	ctx := context.Background()
	st, err := control.OpenStorage(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	if err := st.Watermarks.Set(ctx, chain.ID, resetBlock); err != nil {
		return fmt.Errorf("failed to reset watermark: %w", err)
	}

	fmt.Printf("Successfully reset watermark for %s to block %d\n", chain.Name, resetBlock)
	return nil
}
