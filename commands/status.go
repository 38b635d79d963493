package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/c360studio/orchestra/store"
)

func newStatusCmd(logLevel *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status [workflow-id]",
		Short: "Show workflow state",
		Long: `Without arguments, lists every workflow run. With an id, prints
that run's full state including history and evidence.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*logLevel)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				wf, err := a.engine.Get(args[0])
				if err != nil {
					return err
				}
				return printWorkflow(wf, asJSON)
			}
			workflows, err := a.engine.List()
			if err != nil {
				return err
			}
			return printWorkflowList(workflows, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}

func printWorkflow(wf *store.State, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(wf)
	}
	fmt.Printf("workflow:  %s (%s)\n", wf.WorkflowID, wf.WorkflowType)
	fmt.Printf("state:     %s%s\n", wf.CurrentState, pausedSuffix(wf))
	fmt.Printf("retries:   %d\n", wf.RetryCount)
	fmt.Printf("updated:   %s\n", wf.UpdatedAt.Format("2006-01-02 15:04:05"))
	if wf.Parent != nil {
		fmt.Printf("parent:    %s (state %s)\n", wf.Parent.WorkflowID, wf.Parent.State)
	}
	if len(wf.History) > 0 {
		fmt.Println("history:")
		for _, entry := range wf.History {
			line := "  " + entry.State
			if entry.Result != "" {
				line += " -> " + entry.Result
			}
			if entry.Retries > 0 {
				line += fmt.Sprintf(" (%d retries)", entry.Retries)
			}
			fmt.Println(line)
		}
	}
	return nil
}

func printWorkflowList(workflows []*store.State, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(workflows)
	}
	if len(workflows) == 0 {
		fmt.Println("no workflows")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATE\tRETRIES\tUPDATED")
	for _, wf := range workflows {
		fmt.Fprintf(w, "%s\t%s\t%s%s\t%d\t%s\n",
			wf.WorkflowID, wf.WorkflowType, wf.CurrentState, pausedSuffix(wf),
			wf.RetryCount, wf.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func pausedSuffix(wf *store.State) string {
	if wf.Paused {
		return " (paused)"
	}
	return ""
}
