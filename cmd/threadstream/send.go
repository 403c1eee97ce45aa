package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/threadstream/internal/chat"
	"github.com/mattjoyce/threadstream/internal/client"
)

var sendFlags struct {
	apiBase  string
	token    string
	threadID string
	flowID   string
	format   string
}

var sendCmd = &cobra.Command{
	Use:   "send <text>...",
	Short: "Post a user message to a thread",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(sendFlags.token) == "" {
			return fmt.Errorf("token is required (use --token or THREADSTREAM_API_TOKEN)")
		}
		if sendFlags.threadID == "" && sendFlags.flowID == "" {
			return fmt.Errorf("either --thread or --flow is required")
		}

		msg, err := buildPostMessage(sendFlags.format, strings.Join(args, " "))
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		api := client.New(sendFlags.apiBase, sendFlags.token, nil)

		threadID := sendFlags.threadID
		if threadID == "" {
			t, err := api.ActiveThread(ctx, sendFlags.flowID)
			if err != nil {
				return fmt.Errorf("resolve active thread: %w", err)
			}
			threadID = t.ID
		}

		res, err := api.PostMessage(ctx, threadID, msg)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "thread=%s status=%d key=%s replayed=%t\n", threadID, res.Status, res.Key, res.Replayed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	f := sendCmd.Flags()
	f.StringVar(&sendFlags.apiBase, "api", "http://127.0.0.1:8090", "base URL for the threadstream API")
	f.StringVar(&sendFlags.token, "token", os.Getenv("THREADSTREAM_API_TOKEN"), "Bearer token for API auth")
	f.StringVar(&sendFlags.threadID, "thread", "", "thread to post to")
	f.StringVar(&sendFlags.flowID, "flow", "", "post to the active thread of this flow")
	f.StringVar(&sendFlags.format, "format", chat.FormatText, "payload format: text or markdown")
}

// buildPostMessage wraps text in a text or markdown payload.
func buildPostMessage(format, text string) (chat.PostMessage, error) {
	switch format {
	case chat.FormatText:
		return chat.UserText(text), nil
	case chat.FormatMarkdown:
		content, _ := json.Marshal(map[string]string{"md": text})
		msg := chat.PostMessage{Role: string(chat.RoleUser), Format: chat.FormatMarkdown, Content: content}
		return msg, msg.Validate()
	default:
		return chat.PostMessage{}, fmt.Errorf("unsupported format %q (want text or markdown)", format)
	}
}
