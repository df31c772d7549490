package cmd

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/leftmike/logstore/engine"
)

var (
	mkfsCmd = &cobra.Command{
		Use:   "mkfs",
		Short: "Initialize a fresh store on a device",
		RunE:  mkfsRun,
	}
)

func init() {
	initDeviceFlags(mkfsCmd.Flags())
	logstoreCmd.AddCommand(mkfsCmd)
}

func mkfsRun(cmd *cobra.Command, args []string) error {
	dev, err := makeDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	s, err := engine.MkFS(context.Background(), dev, log.StandardLogger())
	if err != nil {
		return err
	}
	fmt.Printf("created store %s\n", s.StoreID())
	return s.Close()
}
