package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/colony/internal/version"
)

func newVersionCommand(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "colony version %s\n", version.String())
		},
	}
}
