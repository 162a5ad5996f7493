package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/PerpetualOrganizationArchitect/poa/pkg/deployer"
)

var orgsCmd = &cobra.Command{
	Use:   "orgs",
	Short: "Manage perpetual organizations",
}

var orgsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployed organizations",
	RunE:  runOrgsList,
}

var orgsGetCmd = &cobra.Command{
	Use:   "get <orgId>",
	Short: "Show one organization",
	Args:  cobra.ExactArgs(1),
	RunE:  runOrgsGet,
}

var orgsContractsCmd = &cobra.Command{
	Use:   "contracts <orgId>",
	Short: "List an organization's module registrations",
	Args:  cobra.ExactArgs(1),
	RunE:  runOrgsContracts,
}

var orgsDeployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy a new organization from a YAML config",
	RunE:  runOrgsDeploy,
}

var (
	orgsFilter     string
	orgsDeployFile string
)

func init() {
	orgsListCmd.Flags().StringVar(&orgsFilter, "filter", "", "Filter expression (e.g. 'owner = \"alice\" AND complete = true')")
	orgsDeployCmd.Flags().StringVarP(&orgsDeployFile, "file", "f", "", "Path to the org config YAML (required)")
	_ = orgsDeployCmd.MarkFlagRequired("file")

	orgsCmd.AddCommand(orgsListCmd)
	orgsCmd.AddCommand(orgsGetCmd)
	orgsCmd.AddCommand(orgsContractsCmd)
	orgsCmd.AddCommand(orgsDeployCmd)
}

type orgView struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Owner         string `json:"owner"`
	ContractCount int    `json:"contractCount"`
	AutoUpgrade   bool   `json:"autoUpgrade"`
	Complete      bool   `json:"complete"`
}

func runOrgsList(cmd *cobra.Command, args []string) error {
	client := newClient()

	path := apiBase + "/orgs"
	if orgsFilter != "" {
		path += "?filter=" + queryEscape(orgsFilter)
	}

	var resp struct {
		Orgs          []orgView `json:"orgs"`
		NextPageToken string    `json:"nextPageToken"`
	}
	if err := client.getJSON(path, &resp); err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(resp)
	}

	headers := []string{"ID", "Name", "Owner", "Modules", "Auto-Upgrade", "Complete"}
	rows := make([][]string, len(resp.Orgs))
	for i, o := range resp.Orgs {
		rows[i] = []string{
			truncate(o.ID, 16),
			o.Name,
			o.Owner,
			strconv.Itoa(o.ContractCount),
			strconv.FormatBool(o.AutoUpgrade),
			strconv.FormatBool(o.Complete),
		}
	}
	printTable(headers, rows)
	if resp.NextPageToken != "" {
		fmt.Printf("\nMore results available (pageToken=%s)\n", resp.NextPageToken)
	}
	return nil
}

func runOrgsGet(cmd *cobra.Command, args []string) error {
	client := newClient()

	var org orgView
	if err := client.getJSON(apiBase+"/orgs/"+args[0], &org); err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(org)
	}

	printTable([]string{"Field", "Value"}, [][]string{
		{"ID", org.ID},
		{"Name", org.Name},
		{"Owner", org.Owner},
		{"Modules", strconv.Itoa(org.ContractCount)},
		{"Auto-Upgrade", strconv.FormatBool(org.AutoUpgrade)},
		{"Complete", strconv.FormatBool(org.Complete)},
	})
	return nil
}

func runOrgsContracts(cmd *cobra.Command, args []string) error {
	client := newClient()

	var resp struct {
		Contracts []struct {
			ModuleType  string `json:"moduleType"`
			InstanceID  string `json:"instanceId"`
			BeaconID    string `json:"beaconId"`
			AutoUpgrade bool   `json:"autoUpgrade"`
			Owner       string `json:"owner"`
		} `json:"contracts"`
	}
	if err := client.getJSON(apiBase+"/orgs/"+args[0]+"/contracts", &resp); err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(resp)
	}

	headers := []string{"Module", "Instance", "Beacon", "Auto-Upgrade", "Owner"}
	rows := make([][]string, len(resp.Contracts))
	for i, c := range resp.Contracts {
		rows[i] = []string{
			c.ModuleType,
			c.InstanceID,
			truncate(c.BeaconID, 16),
			strconv.FormatBool(c.AutoUpgrade),
			truncate(c.Owner, 16),
		}
	}
	printTable(headers, rows)
	return nil
}

func runOrgsDeploy(cmd *cobra.Command, args []string) error {
	// Parse and validate locally so config mistakes surface before any
	// request is made.
	cfg, err := deployer.LoadConfig(orgsDeployFile)
	if err != nil {
		return err
	}

	client := newClient()

	var result struct {
		OrgID      string            `json:"orgId"`
		ExecutorID string            `json:"executorId"`
		TopHat     string            `json:"topHat"`
		RoleHats   []string          `json:"roleHats"`
		Instances  map[string]string `json:"instances"`
	}
	if err := client.postJSON(apiBase+"/orgs", cfg, &result); err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(result)
	}

	fmt.Printf("Deployed org %s\n\n", result.OrgID)
	rows := [][]string{
		{"Executor", result.ExecutorID},
		{"Top hat", result.TopHat},
	}
	for moduleType, instanceID := range result.Instances {
		rows = append(rows, []string{moduleType, instanceID})
	}
	printTable([]string{"Component", "ID"}, rows)
	return nil
}
