// Package display decides between table and JSON output for CLI commands
// and renders both.
package display

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// EnvJSON forces JSON output when set to "1", "true" or "compact".
const EnvJSON = "SLUICE_JSON"

// ShouldOutputJSON determines if a command should output JSON based on its
// --json flag, the global --json flag and SLUICE_JSON.
func ShouldOutputJSON(cmd *cobra.Command) bool {
	if cmd != nil {
		if cmd.Flags().Changed("json") {
			jsonFlag, _ := cmd.Flags().GetBool("json")
			return jsonFlag
		}
		if globalFlag, _ := cmd.Root().PersistentFlags().GetBool("json"); globalFlag {
			return true
		}
	}
	switch os.Getenv(EnvJSON) {
	case "1", "true", "compact":
		return true
	}
	return false
}

// MarshalJSON marshals JSON indented for people, or compact when
// SLUICE_JSON=compact so output can be piped line by line.
func MarshalJSON(v interface{}) ([]byte, error) {
	if os.Getenv(EnvJSON) == "compact" {
		return json.Marshal(v)
	}
	return json.MarshalIndent(v, "", "  ")
}

// OutputJSON marshals and prints JSON using MarshalJSON
func OutputJSON(v interface{}) error {
	data, err := MarshalJSON(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// Render prints v as JSON when the command asks for it, otherwise prints
// the table built by rows. The first row is the header.
func Render(cmd *cobra.Command, v interface{}, rows func() pterm.TableData) error {
	if ShouldOutputJSON(cmd) {
		return OutputJSON(v)
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows()).Render()
}
