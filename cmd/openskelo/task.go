package main

import (
	"github.com/spf13/cobra"

	"openskelo/internal/task"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Task operations against a running server",
	}
	cmd.AddCommand(newTaskSubmitCmd())
	return cmd
}

func newTaskSubmitCmd() *cobra.Command {
	var input task.CreateInput
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new task",
		RunE: func(cmd *cobra.Command, args []string) error {
			var created task.Task
			if err := newAPIClient().post("/tasks", input, &created); err != nil {
				return err
			}
			return printJSON(created)
		},
	}
	cmd.Flags().StringVar(&input.Type, "type", "coding", "task type")
	cmd.Flags().StringVar(&input.Summary, "summary", "", "one-line summary")
	cmd.Flags().StringVar(&input.Prompt, "prompt", "", "full prompt for the backend")
	cmd.Flags().StringVar(&input.Backend, "backend", "", "backend routing string (adapter or adapter/model)")
	cmd.Flags().IntVar(&input.Priority, "priority", 0, "priority (lower runs first)")
	cmd.Flags().StringSliceVar(&input.AcceptanceCriteria, "criteria", nil, "acceptance criteria")
	cmd.Flags().StringSliceVar(&input.DependsOn, "depends-on", nil, "dependency task ids")
	_ = cmd.MarkFlagRequired("summary")
	_ = cmd.MarkFlagRequired("prompt")
	_ = cmd.MarkFlagRequired("backend")
	return cmd
}
