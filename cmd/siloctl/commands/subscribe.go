package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var subscribeTimeout time.Duration

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <subject>",
	Short: "Subscribe to a stream subject and print messages",
	Long: `Subscribe opens a subscription against the silo's stream broker and
prints every message delivered until --timeout elapses. Embedded mode
only, like publish.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubscribe,
}

func init() {
	subscribeCmd.Flags().DurationVar(&subscribeTimeout, "timeout", 10*time.Second,
		"How long to listen before exiting")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	if addr != "" {
		return fmt.Errorf("subscribe requires embedded mode (unset --addr)")
	}

	subject := args[0]
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	sess, err := openEmbedded(context.Background())
	if err != nil {
		return err
	}
	defer sess.Close(context.Background())

	msgs, unsubscribe, err := sess.silo.Broker().Subscribe(ctx, subject)
	if err != nil {
		return fmt.Errorf("subscribing to %q: %w", subject, err)
	}
	defer unsubscribe()

	fmt.Printf("listening on %s for %s...\n", subject, subscribeTimeout)
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			fmt.Printf("[%s] %s\n", msg.UUID, string(msg.Payload))
			msg.Ack()
		case <-ctx.Done():
			return nil
		}
	}
}
