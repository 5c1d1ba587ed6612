package main

import (
	"fmt"
	"os"

	"github.com/faqeel/sparkify-pipeline/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sparkify",
	Short: "Stage, transform and check the Sparkify star schema",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
