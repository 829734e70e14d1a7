package main

import (
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-pod-gateway/catalog"
	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:   "schema [kind]",
	Short: "Print the JSON schema of catalog records",
	Long: `schema prints the JSON schema of one catalog record kind (Template,
ResourceLimit, Secret, Authorization), or of all of them keyed by kind.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSchema,
}

func runSchema(cmd *cobra.Command, args []string) error {
	var v any
	if len(args) == 1 {
		s, err := catalog.Schema(catalog.Kind(args[0]))
		if err != nil {
			return err
		}
		v = s
	} else {
		v = catalog.Schemas()
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	return nil
}
