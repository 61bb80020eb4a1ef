package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/dwongdev/defguard/manager/state/store"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump a decrypted snapshot as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 {
			return errors.New("dump command takes no arguments")
		}
		redact, err := cmd.Flags().GetBool("redact")
		if err != nil {
			return err
		}
		snapshot, err := flagSnapshot(cmd)
		if err != nil {
			return err
		}
		if redact {
			redactSnapshot(snapshot)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "    ")
		return enc.Encode(snapshot)
	},
}

func init() {
	dumpCmd.Flags().Bool("redact", false, "Redact key material from the dump")
}

// redactSnapshot expunges everything that may hold key material, so a dump
// can be attached to a bug report.
func redactSnapshot(snapshot *store.Snapshot) {
	for _, n := range snapshot.Networks {
		n.PrivateKey = "REDACTED"
	}
	for _, l := range snapshot.Links {
		if l.PresharedKey != "" {
			l.PresharedKey = "REDACTED"
		}
	}
}
