package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/leftmike/logstore/journal"
	"github.com/leftmike/logstore/store"
)

var (
	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Dump the journal of a store",
		RunE:  inspectRun,
	}
)

func init() {
	initDeviceFlags(inspectCmd.Flags())
	logstoreCmd.AddCommand(inspectCmd)
}

func inspectRun(cmd *cobra.Command, args []string) error {
	dev, err := makeDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	jrnl := journal.MakeJournal(dev, log.StandardLogger(),
		journal.MakeSequentialProvider(dev.Config()))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECORD\tTYPE\tPADDR\tLADDR\tVERSION\tLENGTH\tPAYLOAD")

	deltas := 0
	err = jrnl.Open(context.Background(),
		func(recordStart store.Paddr, d store.Delta) error {
			pa := d.Paddr
			if pa.IsRecordRelative() {
				pa = recordStart.AddRelative(pa)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d bytes\n", recordStart, d.Type, pa,
				d.Laddr, d.PrevVersion, d.Length, len(d.Payload))
			deltas += 1
			return nil
		})
	if err != nil {
		return err
	}
	defer jrnl.Close()

	err = w.Flush()
	if err != nil {
		return err
	}
	fmt.Printf("store %s: %d deltas\n", jrnl.StoreID(), deltas)
	return nil
}
