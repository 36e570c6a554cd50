package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/fentz26/autopatch/internal/chat"
	"github.com/fentz26/autopatch/internal/models"
	"github.com/spf13/cobra"
)

var updateCmd = &cobra.Command{
	Use:   "update [source]",
	Short: "Start an update and wait for its outcome",
	Long: `Requests an update from a source descriptor and waits until the engine
reports an outcome. Without a source the configured update.default_source is used.

Source descriptors:
  local:<path>      directory or YAML/JSON manifest
  mirror:<path>     directory; tree files it lacks are deleted
  git:<url>[#ref]   shallow clone
  archive:<url>     http(s) .tar.gz
  inline:<yaml>     manifest text
  snippet:<code>    Go code placed into the best matching file`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUpdate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of autopatch",
	Run:   runVersion,
}

var (
	updateOverride bool
	updateNoWait   bool
	updateTimeout  time.Duration
	pollInterval   time.Duration
)

func init() {
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(versionCmd)

	updateCmd.Flags().BoolVar(&updateOverride, "override", false, "Allow changes to protected paths")
	updateCmd.Flags().BoolVar(&updateNoWait, "no-wait", false, "Return after the update is accepted")
	updateCmd.Flags().DurationVar(&updateTimeout, "timeout", 10*time.Minute, "How long to wait for an outcome")
	updateCmd.Flags().DurationVar(&pollInterval, "poll", 500*time.Millisecond, "Status poll interval")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	source := ""
	if len(args) == 1 {
		source = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		source = cfg.Update.DefaultSource
	}
	if source == "" {
		return errors.New("no source given and update.default_source is not set")
	}

	body := map[string]interface{}{
		"source":   source,
		"override": updateOverride,
	}
	resp, err := apiPost(apiClient, "/updates", body)
	var ticket models.Ticket
	if len(resp) > 0 {
		json.Unmarshal(resp, &ticket)
	}
	if err != nil {
		if ticket.ID != "" {
			return errors.New(chat.DescribeTicket(&ticket))
		}
		return err
	}

	fmt.Printf("Update accepted: ticket %s\n", ticket.ID)
	if updateNoWait {
		return nil
	}

	final, err := waitTicket(ticket.ID)
	if err != nil {
		return err
	}
	fmt.Println(chat.DescribeTicket(final))
	if final.Outcome != models.OutcomeApplied {
		return fmt.Errorf("update %s", final.Outcome)
	}
	return nil
}

// waitTicket polls until the ticket has an outcome, showing the engine phase.
func waitTicket(id string) (*models.Ticket, error) {
	sp := newSpinner("waiting for engine")
	sp.Start()

	deadline := time.Now().Add(updateTimeout)
	for time.Now().Before(deadline) {
		resp, err := apiGet("/updates/" + id)
		if err != nil {
			sp.StopWithSymbol("✗")
			return nil, err
		}
		var t models.Ticket
		if err := json.Unmarshal(resp, &t); err != nil {
			sp.StopWithSymbol("✗")
			return nil, err
		}
		if t.Done() {
			symbol := "✓"
			if t.Outcome != models.OutcomeApplied {
				symbol = "✗"
			}
			sp.UpdateMessage(string(t.Outcome))
			sp.StopWithSymbol(symbol)
			return &t, nil
		}

		if resp, err := apiGet("/status"); err == nil {
			var st models.EngineState
			if json.Unmarshal(resp, &st) == nil {
				sp.UpdateMessage(string(st.Phase))
			}
		}
		time.Sleep(pollInterval)
	}
	sp.StopWithSymbol("✗")
	return nil, fmt.Errorf("timed out after %s waiting for ticket %s", updateTimeout, id)
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("autopatch version %s\n", version)
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go version: %s\n", runtime.Version())
	if h, err := CheckHealth(); err == nil {
		fmt.Printf("  Daemon: %s (%s)\n", h.Version, h.Phase)
	} else {
		fmt.Fprintln(os.Stderr, "  Daemon: not reachable")
	}
}
