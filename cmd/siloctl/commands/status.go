package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show embedded silo membership and activation status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	if addr != "" {
		return fmt.Errorf("status requires embedded mode (unset --addr)")
	}

	ctx := context.Background()

	sess, err := openEmbedded(ctx)
	if err != nil {
		return err
	}
	defer sess.Close(ctx)

	infos, err := sess.silo.Membership().List(ctx)
	if err != nil {
		return fmt.Errorf("listing membership: %w", err)
	}

	activations := sess.silo.ActivationManager().Snapshot()

	if outputFormat == "json" {
		return outputJSON(map[string]any{
			"silo_id":     sess.silo.SiloID(),
			"members":     infos,
			"activations": activations,
		})
	}

	fmt.Printf("silo: %s\n", sess.silo.SiloID())
	fmt.Println("members:")
	for _, info := range infos {
		fmt.Printf("  %-16s %-20s %s\n", info.SiloID, info.Endpoint, info.Status)
	}
	fmt.Printf("activations: %d\n", len(activations))
	for _, a := range activations {
		fmt.Printf("  %-30s stateless=%-5v instances=%d last_active=%s\n",
			a.Key, a.StatelessWorker, a.Instances, a.LastActive.Format("15:04:05"))
	}
	return nil
}
