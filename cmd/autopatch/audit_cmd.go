package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fentz26/autopatch/internal/executor"
	"github.com/fentz26/autopatch/internal/models"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit [ticket-id]",
	Short: "Show decision records, optionally for one ticket",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAudit,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent code executions",
	RunE:  runRuns,
}

var listLimit int

func init() {
	rootCmd.AddCommand(auditCmd, runsCmd)
	auditCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum rows")
	runsCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum rows")
}

func runAudit(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/audit?limit=%d", listLimit)
	if len(args) == 1 {
		path += "&ticket=" + args[0]
	}
	resp, err := apiGet(path)
	if err != nil {
		return err
	}
	var entries []models.PDREntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tTICKET\tHASH")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.12s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Action, e.Outcome, orDash(e.TicketID), e.InputsHash)
	}
	return w.Flush()
}

func runRuns(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(fmt.Sprintf("/executions?limit=%d", listLimit))
	if err != nil {
		return err
	}
	var runs []models.ExecutionResult
	if err := json.Unmarshal(resp, &runs); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tRUNTIME\tMODE\tRESULT")
	for i := range runs {
		r := &runs[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Runtime, r.Mode, executor.Summary(r))
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
