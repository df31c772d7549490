package cmd

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/leftmike/logstore/cache"
	"github.com/leftmike/logstore/engine"
)

var (
	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Mount a store, replaying its journal, and report what was rebuilt",
		RunE:  checkRun,
	}
)

func init() {
	initDeviceFlags(checkCmd.Flags())
	logstoreCmd.AddCommand(checkCmd)
}

func checkRun(cmd *cobra.Command, args []string) error {
	dev, err := makeDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	s, err := engine.Mount(context.Background(), dev, log.StandardLogger())
	if err != nil {
		return err
	}

	dirty := 0
	err = s.Cache().ForEachDirty(
		func(ext cache.Extent) error {
			dirty += 1
			return nil
		})
	if err != nil {
		return err
	}

	txn := s.Begin()
	pa, depth := s.Cache().GetRoot(txn).Root()
	fmt.Printf("store %s: root %s depth %d, %d dirty extents\n", s.StoreID(), pa, depth,
		dirty)
	return s.Close()
}
