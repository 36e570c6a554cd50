package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt...]",
	Short: "Talk to the daemon's assistant",
	Long: `Sends one prompt when arguments are given, otherwise reads prompts from stdin
until EOF or "exit". The assistant also understands the built-in commands
"status", "update <source>", "run <code>" and "recover".`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		reply, err := sendChat(strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		prompt := strings.TrimSpace(scanner.Text())
		switch prompt {
		case "":
			fmt.Print("> ")
			continue
		case "exit", "quit":
			return nil
		}
		reply, err := sendChat(prompt)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		} else {
			fmt.Println(reply)
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

func sendChat(prompt string) (string, error) {
	resp, err := apiPost(longClient, "/chat", map[string]string{"prompt": prompt})
	if err != nil {
		return "", err
	}
	var r struct {
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal(resp, &r); err != nil {
		return "", err
	}
	return r.Reply, nil
}
