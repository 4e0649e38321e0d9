package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/procherder/agent/internal/scaffold"
)

var (
	scaffoldTemplate string
	scaffoldOut      string
	scaffoldForce    bool
)

var scaffoldCmd = &cobra.Command{
	Use:   "scaffold",
	Short: "Write a starter configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		if err := scaffold.Generate(scaffoldTemplate, scaffoldOut, scaffoldForce); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s (template: %s)\n", scaffoldOut, scaffoldTemplate)
	},
}

func init() {
	scaffoldCmd.Flags().StringVarP(&scaffoldTemplate, "template", "t", "full", "template to use (minimal|full)")
	scaffoldCmd.Flags().StringVarP(&scaffoldOut, "out", "o", "process-herder.yaml", "output path")
	scaffoldCmd.Flags().BoolVarP(&scaffoldForce, "force", "f", false, "overwrite an existing file")
	rootCmd.AddCommand(scaffoldCmd)
}
