package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "Drive the proposal lifecycle",
}

var proposalsListCmd = &cobra.Command{
	Use:   "list <machineId>",
	Short: "List a machine's proposals",
	Args:  cobra.ExactArgs(1),
	RunE:  runProposalsList,
}

var proposalsGetCmd = &cobra.Command{
	Use:   "get <proposalId>",
	Short: "Show one proposal with its tallies",
	Args:  cobra.ExactArgs(1),
	RunE:  runProposalsGet,
}

var proposalsCreateCmd = &cobra.Command{
	Use:   "create <machineId>",
	Short: "Open a new proposal",
	Args:  cobra.ExactArgs(1),
	RunE:  runProposalsCreate,
}

var proposalsVoteCmd = &cobra.Command{
	Use:   "vote <proposalId>",
	Short: "Cast a weighted ballot",
	Long: `Cast a weighted ballot. Weights are points out of a fixed budget of 100
and must sum to exactly 100, e.g.:

  poactl proposals vote <id> --options 0,2 --weights 70,30 --as alice`,
	Args: cobra.ExactArgs(1),
	RunE: runProposalsVote,
}

var proposalsWinnerCmd = &cobra.Command{
	Use:   "winner <proposalId>",
	Short: "Finalize an expired proposal and dispatch the winning batch",
	Args:  cobra.ExactArgs(1),
	RunE:  runProposalsWinner,
}

var (
	proposalFilter     string
	proposalMetadata   string
	proposalDuration   time.Duration
	proposalOptions    int
	proposalBatchFile  string
	proposalRestricted []string
	ballotOptions      []int
	ballotWeights      []int
)

func init() {
	proposalsListCmd.Flags().StringVar(&proposalFilter, "filter", "", "Filter expression (e.g. 'finalized = false')")

	proposalsCreateCmd.Flags().StringVar(&proposalMetadata, "metadata", "", "Proposal description or metadata URI (required)")
	proposalsCreateCmd.Flags().DurationVar(&proposalDuration, "duration", time.Hour, "Voting window (between 10m and 720h)")
	proposalsCreateCmd.Flags().IntVar(&proposalOptions, "options", 2, "Number of options")
	proposalsCreateCmd.Flags().StringVar(&proposalBatchFile, "batches", "", "Path to a JSON file with per-option call batches")
	proposalsCreateCmd.Flags().StringSliceVar(&proposalRestricted, "restrict-hats", nil, "Restrict voting to wearers of these hats")
	_ = proposalsCreateCmd.MarkFlagRequired("metadata")

	proposalsVoteCmd.Flags().IntSliceVar(&ballotOptions, "options", nil, "Option indices to support (required)")
	proposalsVoteCmd.Flags().IntSliceVar(&ballotWeights, "weights", nil, "Points per chosen option, summing to 100 (required)")
	_ = proposalsVoteCmd.MarkFlagRequired("options")
	_ = proposalsVoteCmd.MarkFlagRequired("weights")

	proposalsCmd.AddCommand(proposalsListCmd)
	proposalsCmd.AddCommand(proposalsGetCmd)
	proposalsCmd.AddCommand(proposalsCreateCmd)
	proposalsCmd.AddCommand(proposalsVoteCmd)
	proposalsCmd.AddCommand(proposalsWinnerCmd)
}

type proposalView struct {
	ID          string   `json:"id"`
	MachineID   string   `json:"machineId"`
	Metadata    string   `json:"metadata"`
	NumOptions  int      `json:"numOptions"`
	Tallies     []uint64 `json:"tallies"`
	TotalWeight uint64   `json:"totalWeight"`
	Finalized   bool     `json:"finalized"`
	WinnerIndex int      `json:"winnerIndex"`
	ValidWinner bool     `json:"validWinner"`
	EndsAt      string   `json:"endsAt"`
}

func runProposalsList(cmd *cobra.Command, args []string) error {
	path := apiBase + "/machines/" + args[0] + "/proposals"
	if proposalFilter != "" {
		path += "?filter=" + queryEscape(proposalFilter)
	}

	var resp struct {
		Proposals     []proposalView `json:"proposals"`
		NextPageToken string         `json:"nextPageToken"`
		TotalSize     int            `json:"totalSize"`
	}
	if err := newClient().getJSON(path, &resp); err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(resp)
	}

	headers := []string{"ID", "Metadata", "Options", "Weight", "Finalized", "Winner"}
	rows := make([][]string, len(resp.Proposals))
	for i, p := range resp.Proposals {
		winner := "-"
		if p.Finalized && p.ValidWinner {
			winner = strconv.Itoa(p.WinnerIndex)
		}
		rows[i] = []string{
			truncate(p.ID, 16),
			truncate(p.Metadata, 32),
			strconv.Itoa(p.NumOptions),
			strconv.FormatUint(p.TotalWeight, 10),
			strconv.FormatBool(p.Finalized),
			winner,
		}
	}
	printTable(headers, rows)
	return nil
}

func runProposalsGet(cmd *cobra.Command, args []string) error {
	var p proposalView
	if err := newClient().getJSON(apiBase+"/proposals/"+args[0], &p); err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(p)
	}

	winner := "-"
	if p.Finalized {
		if p.ValidWinner {
			winner = strconv.Itoa(p.WinnerIndex)
		} else {
			winner = "none (quorum or tie)"
		}
	}
	rows := [][]string{
		{"ID", p.ID},
		{"Machine", p.MachineID},
		{"Metadata", p.Metadata},
		{"Ends at", p.EndsAt},
		{"Total weight", strconv.FormatUint(p.TotalWeight, 10)},
		{"Finalized", strconv.FormatBool(p.Finalized)},
		{"Winner", winner},
	}
	for i, t := range p.Tallies {
		rows = append(rows, []string{fmt.Sprintf("Option %d", i), strconv.FormatUint(t, 10)})
	}
	printTable([]string{"Field", "Value"}, rows)
	return nil
}

func runProposalsCreate(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"metadata":        proposalMetadata,
		"durationSeconds": int64(proposalDuration.Seconds()),
		"options":         proposalOptions,
	}
	if len(proposalRestricted) > 0 {
		body["restrictedHats"] = proposalRestricted
	}
	if proposalBatchFile != "" {
		data, err := os.ReadFile(proposalBatchFile)
		if err != nil {
			return fmt.Errorf("read batches file: %w", err)
		}
		var batches [][]map[string]any
		if err := json.Unmarshal(data, &batches); err != nil {
			return fmt.Errorf("parse batches file: %w", err)
		}
		body["batches"] = batches
	}

	var p proposalView
	if err := newClient().postJSON(apiBase+"/machines/"+args[0]+"/proposals", body, &p); err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(p)
	}
	fmt.Printf("Created proposal %s (voting ends %s)\n", p.ID, p.EndsAt)
	return nil
}

func runProposalsVote(cmd *cobra.Command, args []string) error {
	var p proposalView
	err := newClient().postJSON(apiBase+"/proposals/"+args[0]+"/ballots", map[string]any{
		"options": ballotOptions,
		"weights": ballotWeights,
	}, &p)
	if err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(p)
	}
	fmt.Printf("Ballot recorded; total weight now %d\n", p.TotalWeight)
	return nil
}

func runProposalsWinner(cmd *cobra.Command, args []string) error {
	var result struct {
		WinnerIndex int    `json:"winnerIndex"`
		Valid       bool   `json:"valid"`
		Tally       uint64 `json:"tally"`
		TotalWeight uint64 `json:"totalWeight"`
		Dispatched  bool   `json:"dispatched"`
	}
	if err := newClient().postJSON(apiBase+"/proposals/"+args[0]+"/winner", map[string]any{}, &result); err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(result)
	}

	if !result.Valid {
		fmt.Printf("No valid winner (tally %d of %d total weight)\n", result.Tally, result.TotalWeight)
		return nil
	}
	fmt.Printf("Option %d wins with %d of %d points (batch dispatched: %t)\n",
		result.WinnerIndex, result.Tally, result.TotalWeight, result.Dispatched)
	return nil
}
