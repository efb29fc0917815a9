package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var topicsCmd = &cobra.Command{
	Use:   "topics <subject>",
	Short: "Show publish/delivery metrics for a stream subject",
	Args:  cobra.ExactArgs(1),
	RunE:  runTopics,
}

func runTopics(cmd *cobra.Command, args []string) error {
	if addr != "" {
		return fmt.Errorf("topics requires embedded mode (unset --addr)")
	}

	subject := args[0]
	ctx := context.Background()

	sess, err := openEmbedded(ctx)
	if err != nil {
		return err
	}
	defer sess.Close(ctx)

	m := sess.silo.Broker().SubjectMetrics(subject)

	if outputFormat == "json" {
		return outputJSON(m)
	}

	fmt.Printf("subject:         %s\n", subject)
	fmt.Printf("published:       %d\n", m.Published)
	fmt.Printf("dropped:         %d\n", m.Dropped)
	fmt.Printf("throttle_events: %d\n", m.ThrottleEvents)
	fmt.Printf("current_depth:   %d\n", m.CurrentDepth)
	fmt.Printf("peak_depth:      %d\n", m.PeakDepth)
	return nil
}
