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

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel an update that is fetching or validating",
	RunE:  runCancel,
}

var ticketCmd = &cobra.Command{
	Use:   "ticket [ticket-id]",
	Short: "Show an update ticket, or list recent tickets",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTicket,
}

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd, cancelCmd, ticketCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print raw JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	h, err := CheckHealth()
	if h == nil {
		return fmt.Errorf("daemon not reachable at %s: %w", apiAddr, err)
	}

	resp, err := apiGet("/status")
	if err != nil {
		return err
	}
	if statusJSON {
		fmt.Println(string(resp))
		return nil
	}

	var st models.EngineState
	if err := json.Unmarshal(resp, &st); err != nil {
		return err
	}
	fmt.Printf("Daemon %s, database %s\n", h.Version, h.DB)
	fmt.Println(chat.DescribeState(st))

	if r := st.LastReport; r != nil && len(r.Findings) > 0 {
		fmt.Printf("\nLast validation (%s):\n", verdict(r))
		for _, f := range r.Findings {
			fmt.Printf("  %s [%s] %s: %s\n", f.Severity, f.Check, f.Path, f.Message)
		}
	}
	if len(st.History) > 0 {
		fmt.Println("\nTransitions:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, tr := range st.History {
			fmt.Fprintf(w, "  %s\t%s -> %s\t%s\n", tr.At.Local().Format("15:04:05"), tr.From, tr.To, tr.Reason)
		}
		w.Flush()
	}
	return nil
}

func verdict(r *models.ValidationReport) string {
	switch {
	case r.Cancelled:
		return "cancelled"
	case r.Passed:
		return "passed"
	}
	return "rejected"
}

func runCancel(cmd *cobra.Command, args []string) error {
	if _, err := apiPost(apiClient, "/updates/cancel", nil); err != nil {
		return err
	}
	fmt.Println("Cancellation requested")
	return nil
}

func runTicket(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		resp, err := apiGet("/updates/" + args[0])
		if err != nil {
			return err
		}
		var t models.Ticket
		if err := json.Unmarshal(resp, &t); err != nil {
			return err
		}
		fmt.Println(chat.DescribeTicket(&t))
		return nil
	}

	resp, err := apiGet("/updates?limit=20")
	if err != nil {
		return err
	}
	var tickets []models.Ticket
	if err := json.Unmarshal(resp, &tickets); err != nil {
		return err
	}
	if len(tickets) == 0 {
		fmt.Println("No updates yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOUTCOME\tSNAPSHOT\tCREATED")
	for _, t := range tickets {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Outcome, t.SnapshotID, t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	return nil
}
