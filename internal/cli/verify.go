package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vietddude/chainsync/internal/control"
	"github.com/vietddude/chainsync/internal/core/config"
	"github.com/vietddude/chainsync/internal/core/watermark"
	"github.com/vietddude/chainsync/internal/indexing/backfill"
)

var (
	verifyChain  string
	verifyFrom   uint64
	verifyTo     uint64
	verifyRepair bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Report stored gaps and broken parent links, optionally re-fetching them",
	RunE:  runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyChain, "chain", "", "chain name")
	verifyCmd.Flags().Uint64Var(&verifyFrom, "from", 0, "first height")
	verifyCmd.Flags().Uint64Var(&verifyTo, "to", 0, "last height")
	verifyCmd.Flags().BoolVar(&verifyRepair, "repair", false, "re-fetch missing heights from the configured provider")
	_ = verifyCmd.MarkFlagRequired("chain")
	_ = verifyCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("verify needs database.url")
	}
	resolved, err := cfg.Validate()
	if err != nil {
		return err
	}
	var rc *config.ResolvedChain
	for i := range resolved {
		if string(resolved[i].Chain.Name) == verifyChain {
			rc = &resolved[i]
		}
	}
	if rc == nil {
		return fmt.Errorf("chain %q is not configured", verifyChain)
	}

	ctx := context.Background()
	st, err := control.OpenStorage(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	report, err := backfill.NewDetector(st.Blocks).ScanDatabase(ctx, rc.Chain.ID, verifyFrom, verifyTo)
	if err != nil {
		return err
	}
	fmt.Printf("%s %d-%d: %d stored, %d missing in %d gaps, %d broken links\n",
		rc.Chain.Name, report.From, report.To, report.Stored, report.Missing(), len(report.Gaps), len(report.BrokenLinks))
	for _, g := range report.Gaps {
		fmt.Printf("  gap %d-%d (%d blocks)\n", g.FromBlock, g.ToBlock, g.Size())
	}
	for _, h := range report.BrokenLinks {
		fmt.Printf("  broken link %d-%d\n", h-1, h)
	}
	if !verifyRepair || report.Consistent() {
		return nil
	}

	client, err := control.DialEVM(ctx, *rc)
	if err != nil {
		return err
	}
	defer client.Close()

	wm := watermark.NewManager(rc.Chain, st.Watermarks)
	if _, _, err := wm.Load(ctx, rc.Config.InitialBlock); err != nil {
		return err
	}
	pool := backfill.New(backfill.Config{
		BatchSize: rc.Config.BatchSize,
		Workers:   rc.Config.Workers,
		Retry:     rc.Config.Retry,
	}, rc.Chain, client, st.Blocks, wm)
	if err := pool.RunGaps(ctx, report.RefetchSpans()); err != nil {
		return err
	}

	after, err := backfill.NewDetector(st.Blocks).ScanDatabase(ctx, rc.Chain.ID, verifyFrom, verifyTo)
	if err != nil {
		return err
	}
	if !after.Consistent() {
		return fmt.Errorf("%s still has %d gaps and %d broken links after repair; rerun verify",
			rc.Chain.Name, len(after.Gaps), len(after.BrokenLinks))
	}
	fmt.Println("Range repaired")
	return nil
}
