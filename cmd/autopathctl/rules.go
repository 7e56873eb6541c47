package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	ruleMode        string
	ruleOperatorID  string
	ruleToken       string
	ruleVersion     int
	compileTrigger  string
	compilePathID   string
	pathTriggerType string
)

func init() {
	rootCmd.AddCommand(rulesCmd)

	rulesCmd.AddCommand(rulesListCmd)
	rulesListCmd.Flags().StringVar(&ruleMode, "mode", "", "Filter by mode: shadow, auto or disabled")

	rulesCmd.AddCommand(rulesCompileCmd)
	rulesCompileCmd.Flags().StringVar(&compileTrigger, "trigger-type", "", "Compile the standard path for this trigger class")
	rulesCompileCmd.Flags().StringVar(&compilePathID, "path-id", "", "Compile a specific mined path")

	rulesCmd.AddCommand(rulesPromoteCmd)
	rulesPromoteCmd.Flags().StringVar(&ruleOperatorID, "operator-id", "", "Approving operator (required)")
	rulesPromoteCmd.Flags().StringVar(&ruleToken, "token", "", "Single-use approval token (required)")
	_ = rulesPromoteCmd.MarkFlagRequired("operator-id")
	_ = rulesPromoteCmd.MarkFlagRequired("token")

	rulesCmd.AddCommand(rulesDisableCmd)
	rulesDisableCmd.Flags().StringVar(&ruleOperatorID, "operator-id", "", "Operator performing the disable (required)")
	_ = rulesDisableCmd.MarkFlagRequired("operator-id")

	rulesCmd.AddCommand(rulesAccuracyCmd)
	rulesAccuracyCmd.Flags().IntVar(&ruleVersion, "version", 0, "Rule version (defaults to latest)")

	rulesCmd.AddCommand(rulesVersionsCmd)

	rootCmd.AddCommand(pathsCmd)
	pathsCmd.Flags().StringVar(&pathTriggerType, "trigger-type", "", "Trigger class to mine (required)")
	_ = pathsCmd.MarkFlagRequired("trigger-type")
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage compiled rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the latest version of every rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/rules"
		if ruleMode != "" {
			path += "?mode=" + url.QueryEscape(ruleMode)
		}
		var out []map[string]any
		if err := apiGet(path, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var rulesCompileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Compile a mined path into a shadow rule",
	Long: `Compile a standard path into a new shadow-mode rule version.

Examples:
  # Compile the dominant path for a trigger class
  autopathctl rules compile --trigger-type usage.drop

  # Compile a specific mined candidate
  autopathctl rules compile --path-id usage.drop:drop_pct:gte:outreach.call`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if compileTrigger == "" && compilePathID == "" {
			return fmt.Errorf("either --trigger-type or --path-id is required")
		}
		var out map[string]any
		err := apiSend("POST", "/api/v1/rules/compile", map[string]any{
			"trigger_type": compileTrigger,
			"path_id":      compilePathID,
		}, &out)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var rulesPromoteCmd = &cobra.Command{
	Use:   "promote <rule-id>",
	Short: "Promote a shadow rule to auto mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		err := apiSend("POST", "/api/v1/rules/"+url.PathEscape(args[0])+"/promote", map[string]any{
			"operator_id":    ruleOperatorID,
			"approval_token": ruleToken,
		}, &out)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable <rule-id>",
	Short: "Disable a rule in any mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiSend("POST", "/api/v1/rules/"+url.PathEscape(args[0])+"/mode", map[string]any{
			"mode":        "disabled",
			"operator_id": ruleOperatorID,
		}, nil)
	},
	Args: cobra.ExactArgs(1),
}

var rulesAccuracyCmd = &cobra.Command{
	Use:   "accuracy <rule-id>",
	Short: "Show a rule version's rolling shadow accuracy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/rules/" + url.PathEscape(args[0]) + "/accuracy"
		if ruleVersion > 0 {
			path += fmt.Sprintf("?version=%d", ruleVersion)
		}
		var out map[string]any
		if err := apiGet(path, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var rulesVersionsCmd = &cobra.Command{
	Use:   "versions <rule-id>",
	Short: "List every version of a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out []map[string]any
		if err := apiGet("/api/v1/rules/"+url.PathEscape(args[0])+"/versions", &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var pathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "List mined path candidates for a trigger class",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out []map[string]any
		if err := apiGet("/api/v1/paths?trigger_type="+url.QueryEscape(pathTriggerType), &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}
