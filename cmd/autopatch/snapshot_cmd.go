package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fentz26/autopatch/internal/chat"
	"github.com/fentz26/autopatch/internal/models"
	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage tree snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	RunE:  runSnapshotList,
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the current tree",
	RunE:  runSnapshotCreate,
}

var snapshotDiffCmd = &cobra.Command{
	Use:   "diff <snapshot-id>",
	Short: "List paths where the tree differs from a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotDiff,
}

var snapshotRecoverCmd = &cobra.Command{
	Use:     "recover [snapshot-id]",
	Aliases: []string{"restore"},
	Short:   "Restore a snapshot to leave the FAILED state",
	Long: `Restores the given snapshot, or the current one when no id is given. Only
allowed while the engine is FAILED.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSnapshotRecover,
}

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old snapshots beyond the retention count",
	RunE:  runSnapshotPrune,
}

var pruneRetention int

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotListCmd, snapshotCreateCmd, snapshotDiffCmd, snapshotRecoverCmd, snapshotPruneCmd)
	snapshotPruneCmd.Flags().IntVar(&pruneRetention, "retention", 0, "Snapshots to keep (default from config)")
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/snapshots")
	if err != nil {
		return err
	}
	var snaps []models.Snapshot
	if err := json.Unmarshal(resp, &snaps); err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Println("No snapshots")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tFILES\tBYTES\tCREATED")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", s.ID, s.Status, s.FileCount, s.TotalBytes, s.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	resp, err := apiPost(longClient, "/snapshots", nil)
	if err != nil {
		return err
	}
	var s models.Snapshot
	if err := json.Unmarshal(resp, &s); err != nil {
		return err
	}
	fmt.Printf("✓ Snapshot %s (%d files, %d bytes)\n", s.ID, s.FileCount, s.TotalBytes)
	return nil
}

func runSnapshotDiff(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/snapshots/" + args[0] + "/diff")
	if err != nil {
		return err
	}
	var d struct {
		Paths []string `json:"paths"`
	}
	if err := json.Unmarshal(resp, &d); err != nil {
		return err
	}
	if len(d.Paths) == 0 {
		fmt.Println("Tree matches snapshot")
		return nil
	}
	for _, p := range d.Paths {
		fmt.Println(p)
	}
	return nil
}

func runSnapshotRecover(cmd *cobra.Command, args []string) error {
	id := "current"
	if len(args) == 1 {
		id = args[0]
	}
	resp, err := apiPost(longClient, "/snapshots/"+id+"/recover", nil)
	if err != nil {
		return err
	}
	var st models.EngineState
	if err := json.Unmarshal(resp, &st); err != nil {
		return err
	}
	fmt.Println("✓ Recovered")
	fmt.Println(chat.DescribeState(st))
	return nil
}

func runSnapshotPrune(cmd *cobra.Command, args []string) error {
	var body interface{}
	if pruneRetention > 0 {
		body = map[string]int{"retention": pruneRetention}
	}
	resp, err := apiPost(apiClient, "/snapshots/prune", body)
	if err != nil {
		return err
	}
	var r struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(resp, &r); err != nil {
		return err
	}
	fmt.Printf("✓ Pruned %d snapshots\n", r.Removed)
	return nil
}
