package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <instanceId> <method> [key=value ...]",
	Short: "Call a method on a module instance",
	Long: `Call a method on a module instance as the acting principal. Arguments
are key=value pairs; values parse as JSON where possible and fall back to
strings, e.g.:

  poactl invoke <tokenInstance> balanceOf account=alice --as alice
  poactl invoke <joinInstance> join --as bob`,
	Args: cobra.MinimumNArgs(2),
	RunE: runInvoke,
}

func runInvoke(cmd *cobra.Command, args []string) error {
	callArgs := make(map[string]any)
	for _, pair := range args[2:] {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("argument %q is not key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		callArgs[key] = parsed
	}

	var resp struct {
		Result any `json:"result"`
	}
	err := newClient().postJSON(apiBase+"/instances/"+args[0]+"/calls", map[string]any{
		"method": args[1],
		"args":   callArgs,
	}, &resp)
	if err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(resp)
	}
	if resp.Result == nil {
		fmt.Println("ok")
		return nil
	}
	return printJSON(resp.Result)
}
