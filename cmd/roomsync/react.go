package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/roomsync"
)

var reactRemove bool

func init() {
	rootCmd.AddCommand(reactCmd)
	reactCmd.Flags().BoolVar(&reactRemove, "remove", false, "remove your reaction instead of adding one")
}

var reactCmd = &cobra.Command{
	Use:   "react <room-id> <message-id> [emoji]",
	Short: "React to a message, or remove your reaction",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, messageID := args[0], args[1]
		emoji := ""
		if len(args) == 3 {
			emoji = args[2]
		}
		if emoji == "" && !reactRemove {
			return fmt.Errorf("an emoji is required unless --remove is given")
		}
		if reactRemove {
			emoji = ""
		}

		cfg := requireConfig()
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := openRoomReady(ctx, client, roomID); err != nil {
			return err
		}

		before, _ := client.Store().Message(roomID, messageID)
		updated := make(chan roomsync.Message, 1)
		client.Store().Subscribe(func(c roomsync.Change) {
			if c.RoomID != roomID || c.Kind != roomsync.ChangeMessages {
				return
			}
			m, ok := client.Store().Message(roomID, messageID)
			if ok && reactionChanged(before, m) {
				select {
				case updated <- m:
				default:
				}
			}
		})

		if err := client.SendReaction(ctx, roomID, messageID, emoji); err != nil {
			return fmt.Errorf("reaction failed: %w", err)
		}

		select {
		case m := <-updated:
			printMessage(m, false)
		case <-time.After(3 * time.Second):
			fmt.Println("Reaction sent, no update received yet")
		}
		return nil
	},
}

func reactionChanged(a, b roomsync.Message) bool {
	if len(a.ReactionsSummary) != len(b.ReactionsSummary) {
		return true
	}
	for i := range a.ReactionsSummary {
		if a.ReactionsSummary[i] != b.ReactionsSummary[i] {
			return true
		}
	}
	return (a.CurrentUserReaction == nil) != (b.CurrentUserReaction == nil)
}
