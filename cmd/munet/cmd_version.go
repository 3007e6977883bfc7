package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/munet/munet/pkg/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if version.Version == "dev" {
				fmt.Println("munet dev build (set version.Version via -ldflags for version info)")
			} else {
				fmt.Printf("munet %s (%s)\n", version.Version, version.GitCommit)
			}
		},
	}
}
