package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nblistener/backend/internal/client"
	"github.com/nblistener/backend/internal/session"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newNotebooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notebooks",
		Short: "List notebooks tracked by a running daemon",
		RunE:  runNotebooks,
	}
	cmd.Flags().StringP("output", "o", "", "Output format (json)")
	cmd.Flags().Bool("active", false, "Only show the active notebook")
	return cmd
}

func clientFlags(cmd *cobra.Command) (baseURL, token string) {
	baseURL, _ = cmd.Flags().GetString("url")
	token, _ = cmd.Flags().GetString("token")
	return baseURL, token
}

func runNotebooks(cmd *cobra.Command, _ []string) error {
	output, _ := cmd.Flags().GetString("output")
	activeOnly, _ := cmd.Flags().GetBool("active")

	c := client.NewHTTPClient(clientFlags(cmd))
	notebooks, err := c.Notebooks(cmd.Context(), activeOnly)
	if err != nil {
		pterm.Error.Println("Could not reach the nblistener daemon.")
		return fmt.Errorf("list notebooks: %w", err)
	}

	if output == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(notebooks)
	}

	if len(notebooks) == 0 {
		pterm.Info.Println("No notebooks tracked")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(notebookRows(notebooks, time.Now())).Render()
}

func notebookRows(notebooks []session.TrackedNotebook, now time.Time) pterm.TableData {
	rows := pterm.TableData{{"", "Notebook", "Path", "Session", "Status", "Updated"}}
	for _, nb := range notebooks {
		marker := ""
		if nb.Active {
			marker = "*"
		}
		sid := nb.SessionID()
		if sid == "" {
			sid = "-"
		}
		updated := "-"
		if !nb.Snapshot.CapturedAt.IsZero() {
			updated = now.Sub(nb.Snapshot.CapturedAt).Truncate(time.Second).String() + " ago"
		}
		rows = append(rows, []string{
			marker,
			string(nb.ID),
			nb.Path,
			sid,
			statusStyle(nb.Snapshot.Status).Sprint(nb.Snapshot.Status.String()),
			updated,
		})
	}
	return rows
}

func statusStyle(s session.KernelStatus) *pterm.Style {
	switch s {
	case session.Busy:
		return pterm.NewStyle(pterm.FgYellow)
	case session.Idle:
		return pterm.NewStyle(pterm.FgGreen)
	case session.Starting:
		return pterm.NewStyle(pterm.FgCyan)
	case session.Dead:
		return pterm.NewStyle(pterm.FgRed)
	}
	return pterm.NewStyle(pterm.FgGray)
}
