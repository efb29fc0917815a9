package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var publishPayload string

var publishCmd = &cobra.Command{
	Use:   "publish <subject>",
	Short: "Publish a message to a stream subject",
	Long: `Publish sends a message through the silo's stream broker to every
explicit subscriber and any implicit actor bindings configured for the
subject. This only works in embedded mode: publishing goes through the
broker living inside one silo process, not over the network.`,
	Args: cobra.ExactArgs(1),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVar(&publishPayload, "payload", "",
		"JSON-encoded message payload")
}

func runPublish(cmd *cobra.Command, args []string) error {
	if addr != "" {
		return fmt.Errorf("publish requires embedded mode (unset --addr)")
	}

	subject := args[0]
	ctx := context.Background()

	sess, err := openEmbedded(ctx)
	if err != nil {
		return err
	}
	defer sess.Close(ctx)

	if err := sess.silo.Broker().Publish(ctx, subject, []byte(publishPayload)); err != nil {
		return fmt.Errorf("publishing to %q: %w", subject, err)
	}

	fmt.Printf("published to %s\n", subject)
	return nil
}
