package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/musterlabs/muster/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the muster version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("muster version %s\n", version.Get())
	},
}
