package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	factEntityID    string
	factType        string
	factPayload     string
	factExternalRef string

	intEntityID   string
	intActorID    string
	intActionCode string
	intContext    string

	outcomeValue string

	listLimit int
)

func init() {
	rootCmd.AddCommand(factCmd)
	factCmd.AddCommand(factAppendCmd)
	factAppendCmd.Flags().StringVar(&factEntityID, "entity-id", "", "Entity identifier (required)")
	factAppendCmd.Flags().StringVar(&factType, "type", "", "Fact type, e.g. usage.drop (required)")
	factAppendCmd.Flags().StringVar(&factPayload, "payload", "{}", "Fact payload as JSON")
	factAppendCmd.Flags().StringVar(&factExternalRef, "external-ref", "", "Idempotency reference from the source system")
	_ = factAppendCmd.MarkFlagRequired("entity-id")
	_ = factAppendCmd.MarkFlagRequired("type")

	rootCmd.AddCommand(interventionCmd)
	interventionCmd.AddCommand(interventionRecordCmd)
	interventionRecordCmd.Flags().StringVar(&intEntityID, "entity-id", "", "Entity identifier (required)")
	interventionRecordCmd.Flags().StringVar(&intActorID, "actor-id", "", "Operator identifier (required)")
	interventionRecordCmd.Flags().StringVar(&intActionCode, "action", "", "Action code, e.g. outreach.call (required)")
	interventionRecordCmd.Flags().StringVar(&intContext, "context", "{}", "Trigger context snapshot as JSON")
	_ = interventionRecordCmd.MarkFlagRequired("entity-id")
	_ = interventionRecordCmd.MarkFlagRequired("actor-id")
	_ = interventionRecordCmd.MarkFlagRequired("action")

	interventionCmd.AddCommand(interventionOutcomeCmd)
	interventionOutcomeCmd.Flags().StringVar(&outcomeValue, "outcome", "", "Outcome label, e.g. success (required)")
	_ = interventionOutcomeCmd.MarkFlagRequired("outcome")

	rootCmd.AddCommand(executionsCmd)
	executionsCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum records to return")

	rootCmd.AddCommand(escalationsCmd)
	escalationsCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum records to return")
}

var factCmd = &cobra.Command{
	Use:   "fact",
	Short: "Manage observed facts",
}

var factAppendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append a fact to an entity's log",
	Long: `Append a fact to an entity's append-only log.

Examples:
  autopathctl fact append --entity-id cust-1 --type usage.drop \
      --payload '{"drop_pct": 40}' --external-ref metrics-20260830-01`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload map[string]any
		if err := json.Unmarshal([]byte(factPayload), &payload); err != nil {
			return fmt.Errorf("invalid --payload JSON: %w", err)
		}
		var out map[string]any
		err := apiSend("POST", "/api/v1/facts", map[string]any{
			"entity_id":    factEntityID,
			"fact_type":    factType,
			"payload":      payload,
			"external_ref": factExternalRef,
		}, &out)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var interventionCmd = &cobra.Command{
	Use:   "intervention",
	Short: "Manage operator interventions",
}

var interventionRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a manual intervention",
	Long: `Record a manual operator action taken in response to a trigger.

Examples:
  autopathctl intervention record --entity-id cust-1 --actor-id alex \
      --action outreach.call \
      --context '{"trigger_type": "usage.drop", "trigger_field": "drop_pct", "trigger_op": "gte", "trigger_value": 40}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var snapshot map[string]any
		if err := json.Unmarshal([]byte(intContext), &snapshot); err != nil {
			return fmt.Errorf("invalid --context JSON: %w", err)
		}
		var out map[string]any
		err := apiSend("POST", "/api/v1/interventions", map[string]any{
			"entity_id":        intEntityID,
			"actor_id":         intActorID,
			"action_code":      intActionCode,
			"mode":             "manual",
			"context_snapshot": snapshot,
		}, &out)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var interventionOutcomeCmd = &cobra.Command{
	Use:   "outcome <intervention-id>",
	Short: "Attach an outcome to an intervention",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiSend("PATCH", "/api/v1/interventions/"+url.PathEscape(args[0])+"/outcome",
			map[string]any{"outcome": outcomeValue}, nil)
	},
}

var executionsCmd = &cobra.Command{
	Use:   "executions <entity-id>",
	Short: "List automated executions for an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out []map[string]any
		path := fmt.Sprintf("/api/v1/entities/%s/executions?limit=%d", url.PathEscape(args[0]), listLimit)
		if err := apiGet(path, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var escalationsCmd = &cobra.Command{
	Use:   "escalations",
	Short: "List execution failures awaiting operator review",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out []map[string]any
		if err := apiGet(fmt.Sprintf("/api/v1/escalations?limit=%d", listLimit), &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}
