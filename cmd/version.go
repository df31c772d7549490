package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leftmike/logstore/store"
)

func init() {
	logstoreCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of Logstore",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(store.Version())
			},
		})
}
