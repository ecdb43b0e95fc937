package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/empirion-ai/empirion/pkg/empirion/client"
	"github.com/empirion-ai/empirion/pkg/empirion/protocol"
)

// newChatCmd creates the `empirion chat` command, an interactive client for
// a running gateway.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to a running gateway",
		Long: `Connect to a running Empirion gateway and chat with the assistant.
With a message argument it sends one request and prints the response;
without arguments it starts an interactive session.

Examples:
  empirion chat "what is on my calendar today?"
  empirion chat --url ws://phone.local:8765/ws`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().String("url", "ws://127.0.0.1:8765/ws", "gateway WebSocket URL")
	cmd.Flags().String("user", "", "user id to authenticate as (default: $EMPIRION_USER)")
	cmd.Flags().String("token", "", "auth token (default: $EMPIRION_TOKEN)")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	url, _ := cmd.Flags().GetString("url")
	userID, _ := cmd.Flags().GetString("user")
	if userID == "" {
		userID = os.Getenv("EMPIRION_USER")
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("EMPIRION_TOKEN")
	}
	if userID == "" || token == "" {
		return fmt.Errorf("credentials required: pass --user/--token or set EMPIRION_USER and EMPIRION_TOKEN")
	}

	c := client.New(client.Config{URL: url, UserID: userID, Token: token}, newLogger(cmd, resolveConfigOrDefault(cmd)))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err := c.Connect(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", url, err)
	}

	if len(args) > 0 {
		return sendOnce(c, args[0])
	}
	return runREPL(c)
}

func sendOnce(c *client.Client, message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	resp, err := c.Request(ctx, protocol.RequestText, message, nil)
	if err != nil {
		return err
	}
	fmt.Println(renderContent(resp.Content))
	return nil
}

func runREPL(c *client.Client) error {
	rl, err := readline.New("you> ")
	if err != nil {
		return fmt.Errorf("starting readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("Connected. Type a message, /status, /subscribe <category>, or /quit.")

	// Print pushed events between prompts.
	go func() {
		for ev := range c.Events() {
			var payload any
			if err := json.Unmarshal(ev.Data, &payload); err != nil {
				payload = string(ev.Data)
			}
			fmt.Printf("\r[event %s] %v\n", ev.EventType, payload)
			rl.Refresh()
		}
	}()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/status":
			if err := c.Ping(); err != nil {
				fmt.Println("error:", err)
			} else {
				fmt.Println("connection:", c.State())
			}
			continue
		case strings.HasPrefix(line, "/subscribe "):
			cats := strings.Fields(strings.TrimPrefix(line, "/subscribe "))
			if err := c.Subscribe(cats...); err != nil {
				fmt.Println("error:", err)
			} else {
				fmt.Println("subscribed:", strings.Join(cats, ", "))
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		resp, err := c.Request(ctx, protocol.RequestText, line, nil)
		cancel()
		if err != nil {
			fmt.Println("error:", err)
			continue
		}
		fmt.Println(renderContent(resp.Content))
	}
}

// renderContent extracts the reply text from a response frame, falling back
// to JSON for structured content.
func renderContent(content any) string {
	if m, ok := content.(map[string]any); ok {
		if reply, ok := m["response"].(string); ok {
			return reply
		}
		if msg, ok := m["message"].(string); ok {
			return msg
		}
	}
	if s, ok := content.(string); ok {
		return s
	}
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", content)
	}
	return string(data)
}
