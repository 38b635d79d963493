package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPauseCmd(logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <workflow-id>",
		Short: "Pause a workflow run",
		Long:  "A paused workflow refuses dispatch and evidence until resumed. Pausing an already paused run is a no-op.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*logLevel)
			if err != nil {
				return err
			}
			if err := a.engine.Pause(args[0]); err != nil {
				return err
			}
			fmt.Printf("paused %s\n", args[0])
			return nil
		},
	}
}

func newResumeCmd(logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <workflow-id>",
		Short: "Resume a paused workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*logLevel)
			if err != nil {
				return err
			}
			if err := a.engine.Resume(args[0]); err != nil {
				return err
			}
			fmt.Printf("resumed %s\n", args[0])
			return nil
		},
	}
}

func newOverrideCmd(logLevel *string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "override <workflow-id> <state>",
		Short: "Force a workflow into a state",
		Long: `Moves the run to the given state regardless of gates, recording
the override and its reason in the history. The target must be a
declared state of the run's definition.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*logLevel)
			if err != nil {
				return err
			}
			if err := a.engine.Override(args[0], args[1], reason); err != nil {
				return err
			}
			fmt.Printf("moved %s to %s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator override", "Reason recorded in the history")
	return cmd
}

func newDispatchCmd(logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <workflow-id>",
		Short: "Dispatch a workflow's current state",
		Long: `Executes whatever the current state calls for: launching the
assigned agent, running an action's commands, starting a subworkflow,
or propagating a terminal result to the parent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*logLevel)
			if err != nil {
				return err
			}
			result, err := a.engine.DispatchCurrentState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(result.Details)
			return nil
		},
	}
}
