package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	daemon "saker.build/daemon"
	"saker.build/daemon/internal/jsonutil"
	"saker.build/daemon/internal/slotlock"
	"pkt.systems/pslog"
)

func newListCommand(logger pslog.Logger) *cobra.Command {
	var storageDir string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List daemons currently running against a storage directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if storageDir == "" {
				return fmt.Errorf("sakerd: --storage-dir is required")
			}
			lockPath := filepath.Join(storageDir, daemon.LockFileName)
			entries, err := slotlock.Enumerate(lockPath)
			if err != nil {
				return fmt.Errorf("sakerd: enumerate running daemons: %w", err)
			}
			if asJSON {
				return printListJSON(cmd, entries)
			}
			return printListTable(cmd, entries)
		},
	}

	cmd.Flags().StringVar(&storageDir, "storage-dir", "", "directory holding the daemon's coordination lock file (required)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as compact JSON instead of a table")
	return cmd
}

func printListTable(cmd *cobra.Command, entries []slotlock.Entry) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tPORT")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%d\n", e.Slot, e.Port)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s daemon(s) running\n", humanize.Comma(int64(len(entries))))
	return err
}

func printListJSON(cmd *cobra.Command, entries []slotlock.Entry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("sakerd: marshal daemon list: %w", err)
	}
	compact, err := jsonutil.CompactToBuffer(bytes.NewReader(raw), 0)
	if err != nil {
		return fmt.Errorf("sakerd: compact daemon list: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(compact))
	return err
}
