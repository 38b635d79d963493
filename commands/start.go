package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newStartCmd(logLevel *string) *cobra.Command {
	var (
		params   []string
		dispatch bool
	)
	cmd := &cobra.Command{
		Use:   "start <workflow-type>",
		Short: "Start a new workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*logLevel)
			if err != nil {
				return err
			}
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			wf, err := a.engine.Start(args[0], parsed)
			if err != nil {
				return err
			}
			fmt.Printf("started %s in state %s\n", wf.WorkflowID, wf.CurrentState)
			if dispatch {
				result, err := a.engine.DispatchCurrentState(cmd.Context(), wf.WorkflowID)
				if err != nil {
					return err
				}
				fmt.Printf("dispatched: %s\n", result.Details)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Start parameter as key=value (value parsed as JSON when possible)")
	cmd.Flags().BoolVar(&dispatch, "dispatch", false, "Dispatch the initial state immediately")
	return cmd
}

// parseParams turns key=value pairs into a params map. Values that
// parse as JSON keep their type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q: want key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
		} else {
			params[key] = value
		}
	}
	return params, nil
}
