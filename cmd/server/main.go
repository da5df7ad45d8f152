package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pointledger",
	Short: "Multi-category point ledger service",
	Long: `pointledger tracks PROMO, SUB, PAID and BONUS point balances per user.
Run "serve" for the HTTP API with background jobs, "sweep" to retire expired
lots once, or "verify" to replay the transaction log against stored state.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "配置文件路径")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
