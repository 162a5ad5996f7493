package main

import (
	"github.com/spf13/cobra"
)

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List the module types registered on the server",
	RunE:  runModules,
}

func runModules(cmd *cobra.Command, args []string) error {
	var resp struct {
		Modules []struct {
			Type   string `json:"type"`
			Latest string `json:"latest"`
		} `json:"modules"`
	}
	if err := newClient().getJSON(apiBase+"/modules", &resp); err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(resp)
	}

	headers := []string{"Type", "Latest"}
	rows := make([][]string, len(resp.Modules))
	for i, m := range resp.Modules {
		rows[i] = []string{m.Type, m.Latest}
	}
	printTable(headers, rows)
	return nil
}
