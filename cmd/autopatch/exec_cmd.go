package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fentz26/autopatch/internal/models"
	"github.com/spf13/cobra"
)

var execCmd = &cobra.Command{
	Use:   "exec [code]",
	Short: "Run a code snippet through the daemon's executor",
	Long: `Runs code in a fresh interpreter process on the daemon. Code comes from the
argument, from --file, or from stdin when neither is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExec,
}

var (
	execRuntime    string
	execRestricted bool
	execTimeout    time.Duration
	execFile       string
)

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringVar(&execRuntime, "runtime", "", "Interpreter runtime (default from config)")
	execCmd.Flags().BoolVar(&execRestricted, "restricted", false, "Run in restricted mode")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "Execution timeout (default from config)")
	execCmd.Flags().StringVarP(&execFile, "file", "f", "", "Read code from a file")
}

func readCode(args []string) (string, error) {
	switch {
	case len(args) == 1:
		return args[0], nil
	case execFile != "":
		data, err := os.ReadFile(execFile)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func runExec(cmd *cobra.Command, args []string) error {
	code, err := readCode(args)
	if err != nil {
		return err
	}
	if strings.TrimSpace(code) == "" {
		return errors.New("no code given")
	}

	mode := models.ExecNormal
	if execRestricted {
		mode = models.ExecRestricted
	}
	body := map[string]interface{}{
		"code":       code,
		"runtime":    execRuntime,
		"mode":       mode,
		"timeout_ms": execTimeout.Milliseconds(),
	}
	resp, err := apiPost(longClient, "/exec", body)
	if err != nil {
		return err
	}

	var res models.ExecutionResult
	if err := json.Unmarshal(resp, &res); err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, res.Stdout)
	fmt.Fprint(os.Stderr, res.Stderr)
	if res.Truncated {
		fmt.Fprintln(os.Stderr, "[output truncated]")
	}
	if !res.OK() {
		return fmt.Errorf("%s: %s", res.Error.Kind, res.Error.Message)
	}
	return nil
}
