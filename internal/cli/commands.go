package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"chatsync/pkg/models"
)

func init() {
	editCmd.Flags().String("conversation", "", "conversation holding the message (default: last opened)")
	deleteCmd.Flags().String("conversation", "", "conversation holding the message (default: last opened)")
	openCmd.Flags().Bool("no-read", false, "do not mark the conversation read")

	rootCmd.AddCommand(conversationsCmd, openCmd, sendCmd, editCmd, deleteCmd,
		startCmd, removeCmd, readCmd, uploadCmd, watchCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, func(ctx context.Context, s *session) error {
			if err := s.app.Coordinator.Refresh(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "showing cached conversations: %v\n", err)
			}
			return s.out.conversations(s.app.Directory.Snapshot(), s.cfg.Account.UserID)
		})
	},
}

var openCmd = &cobra.Command{
	Use:   "open <conversation-id>",
	Short: "Show a conversation's messages and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		noRead, _ := cmd.Flags().GetBool("no-read")
		return run(cmd, func(ctx context.Context, s *session) error {
			var (
				msgs []models.Message
				err  error
			)
			if noRead {
				msgs, err = s.app.Threads.Load(ctx, args[0])
			} else {
				msgs, err = s.app.Coordinator.Open(ctx, args[0])
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "showing cached messages: %v\n", err)
			}
			s.profile.LastConversation = args[0]
			s.saveProfile()
			return s.out.messages(msgs)
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, s *session) error {
			_, fut, err := s.app.Coordinator.SendText(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			m, err := fut.Wait(ctx)
			if err != nil {
				return err
			}
			return s.out.message(m)
		})
	},
}

// conversationFor loads the conversation a message-level command works on.
func conversationFor(ctx context.Context, cmd *cobra.Command, s *session) error {
	id, _ := cmd.Flags().GetString("conversation")
	if id == "" {
		id = s.profile.LastConversation
	}
	if id == "" {
		return fmt.Errorf("no conversation given and none opened yet; pass --conversation")
	}
	_, err := s.app.Threads.Load(ctx, id)
	return err
}

var editCmd = &cobra.Command{
	Use:   "edit <message-id> <text...>",
	Short: "Edit one of your text messages",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, s *session) error {
			if err := conversationFor(ctx, cmd, s); err != nil {
				return err
			}
			m, err := s.app.Coordinator.Edit(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return s.out.message(m)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, s *session) error {
			if err := conversationFor(ctx, cmd, s); err != nil {
				return err
			}
			if err := s.app.Coordinator.Delete(ctx, args[0]); err != nil {
				return err
			}
			s.out.line("deleted %s", args[0])
			return nil
		})
	},
}

var startCmd = &cobra.Command{
	Use:   "start <participant-id>",
	Short: "Find or create the conversation with a participant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, s *session) error {
			_ = s.app.Coordinator.Refresh(ctx)
			c, err := s.app.Coordinator.GetOrCreate(ctx, args[0])
			if err != nil {
				return err
			}
			s.profile.LastConversation = c.ID
			s.saveProfile()
			return s.out.conversation(c)
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <conversation-id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, s *session) error {
			if err := s.app.Coordinator.Refresh(ctx); err != nil {
				return err
			}
			if _, err := s.app.Coordinator.Remove(ctx, args[0]).Wait(ctx); err != nil {
				return err
			}
			if s.profile.LastConversation == args[0] {
				s.profile.LastConversation = ""
				s.saveProfile()
			}
			s.out.line("removed %s", args[0])
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, s *session) error {
			_, _ = s.app.Coordinator.MarkRead(ctx, args[0]).Wait(ctx)
			if pending := s.app.Directory.PendingReads(); len(pending) > 0 {
				s.out.line("queued, will confirm on next sync")
				return nil
			}
			s.out.line("read %s", args[0])
			return nil
		})
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <conversation-id> <audio-file>",
	Short: "Send an audio file as a voice message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, s *session) error {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			blob, err := s.app.Media.Import(f)
			if err != nil {
				return err
			}
			_, fut, err := s.app.Coordinator.SendAudio(ctx, args[0], blob)
			if err != nil {
				s.app.Media.DiscardBlob(blob.ID)
				return err
			}
			m, err := fut.Wait(ctx)
			if err != nil {
				return err
			}
			return s.out.message(m)
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep syncing and print the conversation list on every change",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, func(ctx context.Context, s *session) error {
			updates, cancel := s.app.Directory.Subscribe()
			defer cancel()
			errCh := make(chan error, 1)
			go func() { errCh <- s.app.Run(ctx) }()
			for {
				select {
				case convs, ok := <-updates:
					if !ok {
						return nil
					}
					if err := s.out.conversations(convs, s.cfg.Account.UserID); err != nil {
						return err
					}
					s.out.line("")
				case err := <-errCh:
					return err
				}
			}
		})
	},
}
