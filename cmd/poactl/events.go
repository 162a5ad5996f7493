package main

import (
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Browse the audit trail",
	RunE:  runEventsList,
}

var eventsGetCmd = &cobra.Command{
	Use:   "get <eventId>",
	Short: "Show one audit event",
	Args:  cobra.ExactArgs(1),
	RunE:  runEventsGet,
}

var (
	eventsSubject string
	eventsAction  string
)

func init() {
	eventsCmd.Flags().StringVar(&eventsSubject, "subject", "", "Only events about this subject (org, proposal, beacon...)")
	eventsCmd.Flags().StringVar(&eventsAction, "action", "", "Only events with this action (e.g. voting.vote_cast)")
	eventsCmd.AddCommand(eventsGetCmd)
}

type eventView struct {
	ID        string `json:"id"`
	OrgID     string `json:"orgId"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

func runEventsList(cmd *cobra.Command, args []string) error {
	path := "/api/audit/v1alpha1/events"
	sep := "?"
	if eventsSubject != "" {
		path += sep + "subject=" + queryEscape(eventsSubject)
		sep = "&"
	}
	if eventsAction != "" {
		path += sep + "action=" + queryEscape(eventsAction)
	}

	var resp struct {
		Events        []eventView `json:"events"`
		NextPageToken string      `json:"nextPageToken"`
		TotalSize     int         `json:"totalSize"`
	}
	if err := newClient().getJSON(path, &resp); err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(resp)
	}

	headers := []string{"Time", "Actor", "Action", "Subject"}
	rows := make([][]string, len(resp.Events))
	for i, e := range resp.Events {
		rows[i] = []string{
			e.CreatedAt,
			truncate(e.Actor, 20),
			e.Action,
			truncate(e.Subject, 24),
		}
	}
	printTable(headers, rows)
	return nil
}

func runEventsGet(cmd *cobra.Command, args []string) error {
	var event map[string]any
	if err := newClient().getJSON("/api/audit/v1alpha1/events/"+args[0], &event); err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(event)
	}
	return printOutputOrTable(event)
}
