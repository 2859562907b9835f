package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/roomsync"
)

var (
	tailJSON        bool
	tailInteractive bool
	tailMetricsAddr string
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().BoolVar(&tailJSON, "json", false, "print messages as JSON lines")
	tailCmd.Flags().BoolVarP(&tailInteractive, "interactive", "i", false, "send every line read from stdin")
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (e.g. :9090)")
}

var tailCmd = &cobra.Command{
	Use:   "tail <room-id>",
	Short: "Follow a room live",
	Long:  "Open a room, print its history and every message, reply and reaction as it arrives.\nWith -i, each line typed on stdin is sent to the room.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		cfg := requireConfig()
		log := newLogger()

		client, err := newClient(cfg, roomsync.WithMetrics(serveMetrics(tailMetricsAddr, log)))
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p := newRoomPrinter(client.Store(), roomID, tailJSON)
		client.Store().Subscribe(p.onChange)

		client.On(roomsync.ClientEventReconnecting, func(_ string, payload any) {
			ev := payload.(roomsync.ConnectionEvent)
			fmt.Fprintf(os.Stderr, "-- connection lost, reconnecting in %s (attempt %d)\n", ev.Delay, ev.Attempt)
		})
		client.On(roomsync.ClientEventError, func(_ string, payload any) {
			fmt.Fprintf(os.Stderr, "-- server error: %s\n", payload.(roomsync.ConnectionEvent).Reason)
		})
		client.On(roomsync.ClientEventHistory, func(_ string, payload any) {
			ev := payload.(roomsync.HistoryEvent)
			switch ev.State {
			case roomsync.LoadSettingUp:
				fmt.Fprintln(os.Stderr, "-- setting up room access...")
			case roomsync.LoadSetupFailed:
				fmt.Fprintf(os.Stderr, "-- could not load history: %v\n", ev.Err)
			}
		})
		client.On(roomsync.ClientEventRoomDeleted, func(_ string, payload any) {
			if payload.(string) == roomID {
				fmt.Fprintln(os.Stderr, "-- room deleted")
				stop()
			}
		})

		if err := client.OpenRoom(ctx, roomID); err != nil {
			fmt.Fprintf(os.Stderr, "-- connect failed, retrying in background: %v\n", err)
		}

		if tailInteractive {
			go readAndSend(ctx, client, roomID)
		}

		<-ctx.Done()
		return nil
	},
}

func readAndSend(ctx context.Context, client *roomsync.Client, roomID string) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if _, err := client.SendMessage(ctx, roomID, line, ""); err != nil {
			fmt.Fprintf(os.Stderr, "-- not sent: %v\n", err)
		}
	}
}

// roomPrinter prints each message of a room once, and again whenever its
// confirmation or reactions change.
type roomPrinter struct {
	store  *roomsync.Store
	roomID string
	asJSON bool

	mu      sync.Mutex
	version uint64
	printed map[string]string // key → rendered state
}

func newRoomPrinter(store *roomsync.Store, roomID string, asJSON bool) *roomPrinter {
	return &roomPrinter{store: store, roomID: roomID, asJSON: asJSON, printed: make(map[string]string)}
}

func (p *roomPrinter) onChange(c roomsync.Change) {
	if c.RoomID != p.roomID || c.Kind != roomsync.ChangeMessages {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.Version <= p.version {
		return
	}
	p.version = c.Version

	for _, m := range p.store.Messages(p.roomID) {
		state := renderState(m)
		if p.printed[m.Key()] == state {
			continue
		}
		p.printed[m.Key()] = state
		printMessage(m, p.asJSON)
	}
}

func renderState(m roomsync.Message) string {
	var b strings.Builder
	b.WriteString(m.ID)
	for _, r := range m.ReactionsSummary {
		fmt.Fprintf(&b, "|%s%d", r.Emoji, r.Count)
	}
	if m.ReplyTo != nil {
		b.WriteString("|r")
	}
	return b.String()
}
