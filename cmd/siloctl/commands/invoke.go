package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	invokeRequest    string
	invokeIdempotent bool
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <actor-type> <actor-id> <method>",
	Short: "Invoke a method against an actor",
	Long: `Invoke calls a method on an actor, activating it on demand if it isn't
already running. With --addr set, the call goes over the network to the
named silo; otherwise siloctl operates on the embedded silo's state
database directly.`,
	Args: cobra.ExactArgs(3),
	RunE: runInvoke,
}

func init() {
	invokeCmd.Flags().StringVar(&invokeRequest, "request", "",
		"JSON-encoded request payload")
	invokeCmd.Flags().BoolVar(&invokeIdempotent, "idempotent", false,
		"Allow retrying a request whose response timed out")
}

func runInvoke(cmd *cobra.Command, args []string) error {
	actorType, actorID, method := args[0], args[1], args[2]
	ctx := context.Background()

	// req is left a true nil `any` (not a typed-nil json.RawMessage) when
	// no --request is given, so the gateway's `req != nil` check treats
	// it as genuinely absent rather than serializing it into a literal
	// JSON "null" payload.
	var req any
	if invokeRequest != "" {
		req = json.RawMessage(invokeRequest)
	}

	var respPayload json.RawMessage

	if addr != "" {
		gw, cleanup, err := openRemoteGateway()
		if err != nil {
			return err
		}
		defer cleanup()

		key := parseActorKey(actorType, actorID)
		if err := gw.InvokeByKey(ctx, key, method, req, &respPayload, invokeIdempotent); err != nil {
			return fmt.Errorf("invoke %s.%s: %w", key, method, err)
		}
	} else {
		sess, err := openEmbedded(ctx)
		if err != nil {
			return err
		}
		defer sess.Close(ctx)

		key := parseActorKey(actorType, actorID)
		if err := sess.silo.Gateway().InvokeByKey(ctx, key, method, req, &respPayload, invokeIdempotent); err != nil {
			return fmt.Errorf("invoke %s.%s: %w", key, method, err)
		}
	}

	if outputFormat == "json" {
		return outputJSON(map[string]any{"response": respPayload})
	}

	fmt.Println(string(respPayload))
	return nil
}
