package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/gymlink/gymchat/internal/lock"
	"github.com/gymlink/gymchat/internal/model"
	"github.com/gymlink/gymchat/internal/rpc"
	"github.com/gymlink/gymchat/internal/session"
)

var (
	reloadFlag    bool
	imageURLFlag  string
	imagePathFlag string
)

func init() {
	conversationsCmd.Flags().BoolVar(&reloadFlag, "reload", false, "fetch the inbox from the server first")
	sendCmd.Flags().StringVar(&imageURLFlag, "image-url", "", "attach an already uploaded image")
	sendCmd.Flags().StringVar(&imagePathFlag, "image", "", "upload and attach a local image")

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(
		statusCmd,
		conversationsCmd,
		messagesCmd,
		sendCmd,
		deleteCmd,
		readCmd,
		refreshCmd,
		deleteConversationCmd,
		uploadCmd,
		watchCmd,
		configCmd,
	)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, name, err := connect()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
		defer cancel()
		resp, err := c.GetStatus(ctx, &rpc.StatusRequest{})
		if err != nil {
			return daemonDown(name, err)
		}
		if jsonOutput {
			outputJSON(resp)
			return nil
		}
		user := resp.UserID
		if user == "" {
			user = "(signed out)"
		}
		fmt.Printf("Session:  %s\n", resp.Session)
		fmt.Printf("User:     %s\n", user)
		fmt.Printf("Realtime: %s\n", resp.Realtime)
		fmt.Printf("Uptime:   %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
		ids := make([]string, 0, len(resp.States))
		for id := range resp.States {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("  conversation %-8s %s\n", id, resp.States[id])
		}
		return nil
	},
}

// daemonDown explains why the daemon did not answer, using the session
// lock to tell a stopped daemon from an unreachable one.
func daemonDown(name string, cause error) error {
	info, err := lock.Read(session.Dir(name))
	if err != nil {
		return fmt.Errorf("daemon for session %q is not running", name)
	}
	return fmt.Errorf("daemon for session %q (pid %d, since %s) is not answering: %w",
		name, info.PID, info.Since.Format(time.RFC3339), cause)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *rpc.Client) error {
			resp, err := c.ListConversations(ctx, &rpc.ListConversationsRequest{Reload: reloadFlag})
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			if len(resp.Conversations) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			for _, conv := range resp.Conversations {
				printConversation(conv)
			}
			return nil
		})
	},
}

func printConversation(c model.Conversation) {
	peer := c.User1ID + "/" + c.User2ID
	if c.PeerProfile != nil {
		peer = c.PeerProfile.DisplayName
	}
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	when := ""
	if !c.LastMessageAt.IsZero() {
		when = c.LastMessageAt.Local().Format("Jan 02 15:04")
	}
	fmt.Printf("%-6d %-24s %-12s %s%s\n", c.ID, peer, when, c.LastMessage, unread)
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the newest messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *rpc.Client) error {
			resp, err := c.ListMessages(ctx, &rpc.ListMessagesRequest{ConversationID: convID})
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			// Oldest at the top, like a chat window.
			for i := len(resp.Messages) - 1; i >= 0; i-- {
				printMessage(resp.Messages[i])
			}
			return nil
		})
	},
}

func printMessage(m model.Message) {
	var flags []string
	if m.Pending {
		flags = append(flags, "pending")
	}
	if !m.Read {
		flags = append(flags, "unread")
	}
	suffix := ""
	if len(flags) > 0 {
		suffix = " [" + strings.Join(flags, ",") + "]"
	}
	body := m.Text
	if m.ImageURL != "" {
		body = strings.TrimSpace(body + " <" + m.ImageURL + ">")
	}
	fmt.Printf("%-10s %s %-12s %s%s\n", m.ID, m.CreatedAt.Local().Format("15:04:05"), m.SenderID, body, suffix)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text...]",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		req := &rpc.SendMessageRequest{
			ConversationID: convID,
			Text:           strings.Join(args[1:], " "),
			ImageURL:       imageURLFlag,
			ImagePath:      imagePathFlag,
		}
		if req.Text == "" && req.ImageURL == "" && req.ImagePath == "" {
			return errors.New("nothing to send")
		}
		return withClient(func(ctx context.Context, c *rpc.Client) error {
			resp, err := c.SendMessage(ctx, req)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			if resp.Message == nil {
				fmt.Println("Nothing sent.")
				return nil
			}
			fmt.Printf("Sent message %s\n", resp.Message.ID)
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id> <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		msgID := model.ParseMessageID(args[1])
		if msgID.IsZero() {
			return fmt.Errorf("invalid message id %q", args[1])
		}
		return withClient(func(ctx context.Context, c *rpc.Client) error {
			if _, err := c.DeleteMessage(ctx, &rpc.DeleteMessageRequest{ConversationID: convID, MessageID: msgID}); err != nil {
				return err
			}
			fmt.Printf("Deleted message %s\n", msgID)
			return nil
		})
	},
}

type conversationCall func(context.Context, *rpc.ConversationRequest, ...grpc.CallOption) (*rpc.Empty, error)

// conversationCmd builds a command that takes one conversation id and calls
// a unary RPC with it.
func conversationCmd(use, short, done string, call func(*rpc.Client) conversationCall) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <conversation-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			convID, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				if _, err := call(c)(ctx, &rpc.ConversationRequest{ConversationID: convID}); err != nil {
					return err
				}
				fmt.Printf(done+"\n", convID)
				return nil
			})
		},
	}
}

var (
	readCmd = conversationCmd("read", "Mark a conversation as read", "Marked conversation %d as read",
		func(c *rpc.Client) conversationCall {
			return c.MarkRead
		})
	refreshCmd = conversationCmd("refresh", "Fetch the newest messages now", "Refreshed conversation %d",
		func(c *rpc.Client) conversationCall {
			return c.Refresh
		})
	deleteConversationCmd = conversationCmd("delete-conversation", "Delete a conversation", "Deleted conversation %d",
		func(c *rpc.Client) conversationCall {
			return c.DeleteConversation
		})
)

var uploadCmd = &cobra.Command{
	Use:   "upload <path>",
	Short: "Upload a file and print its URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *rpc.Client) error {
			resp, err := c.UploadMedia(ctx, &rpc.UploadMediaRequest{Path: args[0]})
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			fmt.Println(resp.URL)
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Stream engine events until interrupted",
	Long:  "Stream engine events. With a conversation id the daemon keeps that conversation live and only its events are shown.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var convID int64
		if len(args) == 1 {
			id, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			convID = id
		}
		c, _, err := connect()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		stream, err := c.WatchConversation(ctx, &rpc.WatchRequest{ConversationID: convID})
		if err != nil {
			return err
		}
		for {
			env, err := stream.Recv()
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(env)
				continue
			}
			at := time.UnixMilli(env.OccurredAtUnixMs).Local().Format("15:04:05.000")
			fmt.Printf("%s %-28s conv=%d %s\n", at, env.Kind, env.ConversationID, env.Payload)
		}
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.API.Token != "" {
			cfg.API.Token = "<redacted>"
		}
		fmt.Printf("# %s\n", configPath())
		return toml.NewEncoder(os.Stdout).Encode(cfg)
	},
}
