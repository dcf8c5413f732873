package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wakedock/gate/pkg/routetable"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Inspect and validate the gate's route configuration",
}

var routesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load routes.json/routes.yaml (or --config) and print the resolved route table",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		table := routetable.New()
		tag, err := table.Load(configPath)
		if err != nil {
			return fmt.Errorf("invalid route configuration: %w", err)
		}

		type resolved struct {
			Match  routetable.Match  `json:"match"`
			Target routetable.Target `json:"target"`
		}

		var out []resolved
		for _, route := range table.Snapshot() {
			out = append(out, resolved{
				Match:  route.Match,
				Target: route.ResolvedTarget(),
			})
		}

		encoded, err := json.MarshalIndent(map[string]interface{}{
			"source": tag,
			"routes": out,
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("encode routes: %w", err)
		}

		fmt.Println(string(encoded))
		return nil
	},
}

func init() {
	routesValidateCmd.Flags().String("config", "", "Path to a specific routes file (.json or .yaml); if unset, auto-discovers routes.json/routes.yaml or falls back to built-in defaults")
	routesCmd.AddCommand(routesValidateCmd)
}
