package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().Int64P("user", "u", 0, "只检查指定用户")
	verifyCmd.Flags().Int("batch", 100, "每批读取的账户数")
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay the transaction log and compare it with lots and withdrawals",
	Args:  cobra.NoArgs,
	RunE:  runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	userID, _ := cmd.Flags().GetInt64("user")
	batch, _ := cmd.Flags().GetInt("batch")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	out := cmd.OutOrStdout()

	if userID > 0 {
		report, err := a.ledger.Verify(ctx, userID)
		if err != nil {
			return err
		}
		for _, d := range report.Discrepancies {
			fmt.Fprintf(out, "user=%d %s\n", userID, d)
		}
		if !report.OK() {
			return fmt.Errorf("用户 %d 对账不平", userID)
		}
		fmt.Fprintf(out, "user=%d ok transactions=%d lots=%d\n", userID, report.Transactions, report.Lots)
		return nil
	}

	checked, failed, err := a.ledger.VerifyAll(ctx, batch)
	if err != nil {
		return err
	}
	for _, report := range failed {
		for _, d := range report.Discrepancies {
			fmt.Fprintf(out, "user=%d %s\n", report.UserID, d)
		}
	}
	fmt.Fprintf(out, "checked=%d failed=%d\n", checked, len(failed))
	if len(failed) > 0 {
		return fmt.Errorf("%d 个账户对账不平", len(failed))
	}
	return nil
}
