package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/roomsync"
)

var (
	sendReplyTo string
	sendWait    time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "id of the message to reply to")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 5*time.Second, "how long to wait for the server to confirm")
}

var sendCmd = &cobra.Command{
	Use:   "send <room-id> <content>",
	Short: "Send a message to a room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, content := args[0], args[1]
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

		confirmed := make(chan struct{}, 1)
		var (
			mu     sync.Mutex
			tempID string
		)
		client.Store().Subscribe(func(c roomsync.Change) {
			mu.Lock()
			id := tempID
			mu.Unlock()
			if c.RoomID != roomID || c.Kind != roomsync.ChangeMessages || id == "" {
				return
			}
			if _, ok := client.Store().Message(roomID, id); !ok {
				select {
				case confirmed <- struct{}{}:
				default:
				}
			}
		})

		id, err := client.SendMessage(ctx, roomID, content, sendReplyTo)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		mu.Lock()
		tempID = id
		mu.Unlock()
		if _, ok := client.Store().Message(roomID, id); !ok {
			select {
			case confirmed <- struct{}{}:
			default:
			}
		}

		select {
		case <-confirmed:
			if m, ok := latestOwn(client.Store(), roomID, content); ok {
				fmt.Printf("Sent %s\n", m.ID)
			} else {
				fmt.Println("Sent")
			}
		case <-time.After(sendWait):
			fmt.Printf("Sent %s, not confirmed yet\n", id)
		}
		return nil
	},
}

// openRoomReady opens the room and waits for its first history load.
func openRoomReady(ctx context.Context, client *roomsync.Client, roomID string) error {
	done := make(chan error, 1)
	client.On(roomsync.ClientEventHistory, func(_ string, payload any) {
		ev := payload.(roomsync.HistoryEvent)
		if ev.RoomID != roomID {
			return
		}
		var err error
		switch ev.State {
		case roomsync.LoadReady:
		case roomsync.LoadSetupFailed:
			err = ev.Err
		default:
			return
		}
		select {
		case done <- err:
		default:
		}
	})

	if err := client.OpenRoom(ctx, roomID); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	if ch := client.Manager().Channel(roomsync.Target{RoomID: roomID}); ch != nil {
		if err := ch.WaitOpen(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
	}
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("room not ready: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// latestOwn finds the newest confirmed message of the current user with the
// given content.
func latestOwn(store *roomsync.Store, roomID, content string) (roomsync.Message, bool) {
	msgs := store.Messages(roomID)
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Confirmed() && m.SenderID == store.CurrentUserID() && m.Content == content {
			return m, true
		}
	}
	return roomsync.Message{}, false
}
