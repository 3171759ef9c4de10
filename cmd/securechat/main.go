package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"securechat/internal/client"
	"securechat/internal/dispatch"
	"securechat/internal/keystore"
	"securechat/internal/protocol"
	"securechat/internal/transport"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	agentID    string
	ackTimeout time.Duration

	username    string
	oneTimeKeys int
	withKyber   bool
	mode        string
	members     []string
	convID      string
	messageID   string
	message     string
	markRead    bool

	historyLimit int
)

var rootCmd = &cobra.Command{
	Use:   "securechat",
	Short: "Encrypted messaging for agents",
	Long: `SecureChat delivers messages between agents over a persistent channel,
encrypting them end-to-end or with a server-held conversation key.`,
	SilenceUsage: true,
}

// newClient opens the agent's client and reports terminal failures on stderr.
func newClient() *client.Client {
	c := client.NewClientWithAgent(serverURL, agentID)
	c.SetOptions(client.Options{
		AckTimeout: ackTimeout,
		Notifier: transport.NotifierFunc(func(op, id string, err error) {
			fmt.Fprintf(os.Stderr, "%s %s failed [%s]: %v\n", op, id, protocol.CodeOf(err), err)
		}),
	})
	return c
}

// signalContext is cancelled on interrupt.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		defer c.Close()
		if err := c.Register(cmd.Context(), username); err != nil {
			return err
		}
		fmt.Printf("Registered %s as %s\n", username, c.UserID())
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage device keys",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate and publish a device key bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		defer c.Close()
		b, err := c.GenerateKeys(cmd.Context(), keystore.GenerateOptions{OneTimeKeys: oneTimeKeys, WithKyber: withKyber})
		if err != nil {
			return err
		}
		fmt.Printf("Published bundle %s\n", b.BundleID())
		return nil
	},
}

var conversationCmd = &cobra.Command{
	Use:   "conversation",
	Short: "Manage conversations",
}

var conversationCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := protocol.Mode(mode)
		switch m {
		case protocol.ModeNone, protocol.ModeServerEncrypted, protocol.ModeE2EE:
		default:
			return fmt.Errorf("unknown mode %q", mode)
		}
		c := newClient()
		defer c.Close()
		conv, err := c.CreateConversation(cmd.Context(), m, members)
		if err != nil {
			return err
		}
		fmt.Printf("Created %s conversation %s with %s\n", conv.Mode, conv.ID, strings.Join(conv.Members, ", "))
		return nil
	},
}

// connected runs fn with a connected client.
func connected(fn func(ctx context.Context, c *client.Client) error) error {
	ctx, cancel := signalContext()
	defer cancel()
	c := newClient()
	defer c.Close()
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return fn(ctx, c)
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message to a conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return connected(func(ctx context.Context, c *client.Client) error {
			msg := &protocol.ChatMessage{ConversationID: convID, Content: message}
			if err := c.Send(ctx, msg); err != nil {
				return err
			}
			fmt.Printf("Sent %s\n", msg.ID)
			return nil
		})
	},
}

var editCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit one of your messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return connected(func(ctx context.Context, c *client.Client) error {
			return c.Edit(ctx, convID, messageID, message)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete one of your messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return connected(func(ctx context.Context, c *client.Client) error {
			return c.Delete(ctx, messageID)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the latest messages of a conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return connected(func(ctx context.Context, c *client.Client) error {
			msgs, err := c.History(ctx, convID, historyLimit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				sender := m.Sender()
				switch {
				case m.Deleted:
					fmt.Printf("%s %s: (deleted)\n", m.ID, sender)
				case m.EditedAt != 0:
					fmt.Printf("%s %s: %s (edited)\n", m.ID, sender, m.Content)
				default:
					fmt.Printf("%s %s: %s\n", m.ID, sender, m.Content)
				}
			}
			return nil
		})
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Listen for incoming messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return connected(func(ctx context.Context, c *client.Client) error {
			fmt.Println("Listening, press Ctrl+C to stop")
			return c.Listen(ctx, markRead, printEvent)
		})
	},
}

func printEvent(ev dispatch.Event) {
	ts := time.Now().Format("15:04:05")
	switch ev.Type {
	case protocol.EventNew, protocol.EventEdited:
		m := ev.Message
		tag := ""
		if ev.Type == protocol.EventEdited {
			tag = " (edited)"
		}
		fmt.Printf("[%s] %s %s: %s%s\n", ts, m.ConversationID, m.SenderID, m.Content, tag)
		if ev.Err != nil {
			fmt.Fprintf(os.Stderr, "  could not decrypt [%s]: %v\n", protocol.CodeOf(ev.Err), ev.Err)
		}
	case protocol.EventDeleted:
		fmt.Printf("[%s] %s message %s deleted\n", ts, ev.ConversationID, ev.MessageID)
	case protocol.EventStatusChanged:
		fmt.Printf("[%s] %s message %s is %s\n", ts, ev.ConversationID, ev.MessageID, ev.Status)
	case protocol.EventError:
		fmt.Fprintf(os.Stderr, "[%s] server error [%s]: %v\n", ts, protocol.CodeOf(ev.Err), ev.Err)
	}
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		defer c.Close()
		h, err := c.Relay().Health(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s, %d connections\n", h.Status, h.Connections)
		return nil
	},
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Server URL")
	rootCmd.PersistentFlags().StringVarP(&agentID, "agent", "a", "default", "Agent profile under ~/.securechat/agents")
	rootCmd.PersistentFlags().DurationVar(&ackTimeout, "ack-timeout", envDuration("ACK_TIMEOUT", transport.DefaultAckTimeout), "How long to wait for a server acknowledgement")

	registerCmd.Flags().StringVarP(&username, "username", "u", "", "Username for the agent")
	registerCmd.MarkFlagRequired("username")

	keysGenerateCmd.Flags().IntVar(&oneTimeKeys, "one-time", 20, "Number of one-time pre-keys to publish")
	keysGenerateCmd.Flags().BoolVar(&withKyber, "kyber", false, "Publish a post-quantum pre-key")
	keysCmd.AddCommand(keysGenerateCmd)

	conversationCreateCmd.Flags().StringVar(&mode, "mode", string(protocol.ModeE2EE), "Encryption mode: none, server-encrypted or e2ee")
	conversationCreateCmd.Flags().StringSliceVar(&members, "members", nil, "User ids of the other members")
	conversationCreateCmd.MarkFlagRequired("members")
	conversationCmd.AddCommand(conversationCreateCmd)

	sendCmd.Flags().StringVarP(&convID, "conversation", "c", "", "Conversation id")
	sendCmd.Flags().StringVarP(&message, "message", "m", "", "Message to send")
	sendCmd.MarkFlagRequired("conversation")
	sendCmd.MarkFlagRequired("message")

	editCmd.Flags().StringVarP(&convID, "conversation", "c", "", "Conversation id")
	editCmd.Flags().StringVar(&messageID, "id", "", "Message id")
	editCmd.Flags().StringVarP(&message, "message", "m", "", "New content")
	editCmd.MarkFlagRequired("conversation")
	editCmd.MarkFlagRequired("id")
	editCmd.MarkFlagRequired("message")

	deleteCmd.Flags().StringVar(&messageID, "id", "", "Message id")
	deleteCmd.MarkFlagRequired("id")

	historyCmd.Flags().StringVarP(&convID, "conversation", "c", "", "Conversation id")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of messages to show")
	historyCmd.MarkFlagRequired("conversation")

	listenCmd.Flags().BoolVar(&markRead, "read", false, "Mark received messages as read")

	rootCmd.AddCommand(registerCmd, keysCmd, conversationCmd, sendCmd, editCmd, deleteCmd, historyCmd, listenCmd, healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
