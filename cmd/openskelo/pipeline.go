package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"openskelo/internal/pipeline"
	"openskelo/internal/task"
)

func newPipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Pipeline operations against a running server",
	}
	cmd.AddCommand(newPipelineApplyCmd())
	return cmd
}

func newPipelineApplyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create a DAG pipeline from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var input pipeline.CreateDagInput
			if err := yaml.Unmarshal(raw, &input); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			var created struct {
				PipelineID string      `json:"pipeline_id"`
				Tasks      []task.Task `json:"tasks"`
			}
			if err := newAPIClient().post("/pipelines", input, &created); err != nil {
				return err
			}
			fmt.Printf("pipeline %s created with %d tasks\n", created.PipelineID, len(created.Tasks))
			return printJSON(created.Tasks)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "pipeline definition file (yaml)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
