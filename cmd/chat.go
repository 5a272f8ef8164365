package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/audiolibrelab/voxcapture/internal/service"

	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Send a typed message to the chat backend",
	Long: `Send a text message to the text endpoint and print the reply. Without
arguments, read one message per line from stdin until EOF.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(cfg, cfgFile, logWriter())
		defer svc.Close()

		if len(args) > 0 {
			reply, err := svc.SendText(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				fmt.Printf("[ai] %s\n", cfg.Messages.FailureText)
				return fmt.Errorf("chat failed: %w", err)
			}
			fmt.Printf("[ai] %s\n", reply)
			return nil
		}

		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				fmt.Print("> ")
				continue
			}
			reply, err := svc.SendText(cmd.Context(), line)
			if err != nil {
				fmt.Printf("[ai] %s\n", cfg.Messages.FailureText)
			} else {
				fmt.Printf("[ai] %s\n", reply)
			}
			fmt.Print("> ")
		}
		fmt.Println()
		return scanner.Err()
	},
}
