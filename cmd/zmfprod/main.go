package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nick-amizich/zmf-production/internal/cli"
)

var rootCmd = &cobra.Command{Use: "zmfprod"}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DATABASE_URL or DB_* env vars are set)")
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
