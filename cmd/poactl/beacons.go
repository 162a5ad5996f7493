package main

import (
	"github.com/spf13/cobra"
)

var beaconsCmd = &cobra.Command{
	Use:   "beacons",
	Short: "Inspect and steer upgrade beacons",
}

var beaconsGetCmd = &cobra.Command{
	Use:   "get <beaconId>",
	Short: "Show one beacon and its resolved implementation",
	Args:  cobra.ExactArgs(1),
	RunE:  runBeaconsGet,
}

var beaconsGlobalCmd = &cobra.Command{
	Use:   "global <moduleType>",
	Short: "Show a module type's global beacon",
	Args:  cobra.ExactArgs(1),
	RunE:  runBeaconsGlobal,
}

var beaconsPinCmd = &cobra.Command{
	Use:   "pin <beaconId> [impl]",
	Short: "Pin a beacon to an implementation (or freeze it at the current one)",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runBeaconsPin,
}

var beaconsMirrorCmd = &cobra.Command{
	Use:   "mirror <beaconId> <sourceBeaconId>",
	Short: "Point a beacon at a global beacon to follow its upgrades",
	Args:  cobra.ExactArgs(2),
	RunE:  runBeaconsMirror,
}

var beaconsUpgradeCmd = &cobra.Command{
	Use:   "upgrade <moduleType> <impl>",
	Short: "Publish a new implementation on a module type's global beacon",
	Args:  cobra.ExactArgs(2),
	RunE:  runBeaconsUpgrade,
}

var beaconsTransferCmd = &cobra.Command{
	Use:   "transfer <beaconId> <newOwner>",
	Short: "Transfer beacon ownership",
	Args:  cobra.ExactArgs(2),
	RunE:  runBeaconsTransfer,
}

func init() {
	beaconsCmd.AddCommand(beaconsGetCmd)
	beaconsCmd.AddCommand(beaconsGlobalCmd)
	beaconsCmd.AddCommand(beaconsPinCmd)
	beaconsCmd.AddCommand(beaconsMirrorCmd)
	beaconsCmd.AddCommand(beaconsUpgradeCmd)
	beaconsCmd.AddCommand(beaconsTransferCmd)
}

type beaconView struct {
	ID             string `json:"id"`
	OrgID          string `json:"orgId"`
	ModuleType     string `json:"moduleType"`
	Mode           string `json:"mode"`
	MirrorSource   string `json:"mirrorSource"`
	Pinned         string `json:"pinnedImplementation"`
	Implementation string `json:"implementation"`
	Owner          string `json:"owner"`
	Global         bool   `json:"global"`
}

func printBeacon(b beaconView) error {
	if outputFmt != "table" {
		return printOutput(b)
	}

	mode := b.Mode
	if b.Global {
		mode += " (global)"
	}
	rows := [][]string{
		{"ID", b.ID},
		{"Module type", b.ModuleType},
		{"Mode", mode},
		{"Implementation", b.Implementation},
		{"Owner", b.Owner},
	}
	if b.OrgID != "" {
		rows = append(rows, []string{"Org", b.OrgID})
	}
	if b.MirrorSource != "" {
		rows = append(rows, []string{"Mirror source", b.MirrorSource})
	}
	printTable([]string{"Field", "Value"}, rows)
	return nil
}

func runBeaconsGet(cmd *cobra.Command, args []string) error {
	var b beaconView
	if err := newClient().getJSON(apiBase+"/beacons/"+args[0], &b); err != nil {
		return err
	}
	return printBeacon(b)
}

func runBeaconsGlobal(cmd *cobra.Command, args []string) error {
	var b beaconView
	if err := newClient().getJSON(apiBase+"/beacons/global/"+args[0], &b); err != nil {
		return err
	}
	return printBeacon(b)
}

func runBeaconsPin(cmd *cobra.Command, args []string) error {
	body := map[string]string{}
	if len(args) == 2 {
		body["impl"] = args[1]
	}

	var b beaconView
	if err := newClient().postJSON(apiBase+"/beacons/"+args[0]+"/pin", body, &b); err != nil {
		return err
	}
	return printBeacon(b)
}

func runBeaconsMirror(cmd *cobra.Command, args []string) error {
	var b beaconView
	err := newClient().postJSON(apiBase+"/beacons/"+args[0]+"/mirror",
		map[string]string{"source": args[1]}, &b)
	if err != nil {
		return err
	}
	return printBeacon(b)
}

func runBeaconsUpgrade(cmd *cobra.Command, args []string) error {
	var b beaconView
	err := newClient().postJSON(apiBase+"/beacons/upgrade",
		map[string]string{"moduleType": args[0], "impl": args[1]}, &b)
	if err != nil {
		return err
	}
	return printBeacon(b)
}

func runBeaconsTransfer(cmd *cobra.Command, args []string) error {
	var resp map[string]any
	err := newClient().postJSON(apiBase+"/beacons/"+args[0]+"/owner",
		map[string]string{"newOwner": args[1]}, &resp)
	if err != nil {
		return err
	}
	return printOutputOrTable(resp)
}

// printOutputOrTable prints a flat map as a two-column table, or as
// json/yaml when requested.
func printOutputOrTable(m map[string]any) error {
	if outputFmt != "table" {
		return printOutput(m)
	}
	rows := make([][]string, 0, len(m))
	for k, v := range m {
		rows = append(rows, []string{k, toString(v)})
	}
	printTable([]string{"Field", "Value"}, rows)
	return nil
}
