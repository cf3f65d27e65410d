package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/colony/internal/executor"
	"github.com/ShayCichocki/colony/pkg/models"
)

func newCreateTaskCommand(a *app) *cobra.Command {
	var (
		description string
		priority    string
		payload     string
		tags        []string
		review      bool
	)

	cmd := &cobra.Command{
		Use:   "create-task <agent_id> <task_type> <title>",
		Short: "Insert a new pending task",
		Long: `Insert a PENDING task for the tenant.

agent_id must name a registered agent. --payload takes a YAML or JSON mapping
that is handed to the agent. Tasks created with --requires-review wait for
"colony approve" before any worker picks them up.`,
		Example: `  colony create-task developer echo "say hi" --payload '{text: hi}'
  colony create-task safety risk_assessment "review rollout" --priority high --requires-review`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, taskType, title := args[0], args[1], args[2]

			prio, err := models.ParsePriority(priority)
			if err != nil {
				return err
			}
			data, err := parsePayload(payload)
			if err != nil {
				return err
			}

			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			c, err := a.collaborators(cmd.Context())
			if err != nil {
				return err
			}
			reg, err := a.registry(c)
			if err != nil {
				return err
			}
			if !reg.Has(agentID) {
				return fmt.Errorf("unknown agent %q (known: %s)", agentID, strings.Join(reg.Names(), ", "))
			}
			exec := executor.New(executor.Config{LLM: c.llm, Memory: c.memory, Reviewer: c.reviewer, Logger: a.logger})
			if !exec.Supports(taskType) {
				a.logger.Warningf("task type %q has no executor handler; only agent runs will process it", taskType)
			}

			task, err := st.Create(cmd.Context(), models.Task{
				TenantID:       a.cfg.Store.Tenant,
				Assignee:       agentID,
				Type:           taskType,
				Title:          title,
				Description:    description,
				Priority:       prio,
				Payload:        data,
				Tags:           tags,
				RequiresReview: review,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), task.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "Task description")
	cmd.Flags().StringVarP(&priority, "priority", "p", "medium", "Priority (low, medium, high, critical)")
	cmd.Flags().StringVar(&payload, "payload", "", "YAML or JSON mapping passed to the agent")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tags")
	cmd.Flags().BoolVar(&review, "requires-review", false, "Hold the task until it is approved")
	return cmd
}

// parsePayload decodes a YAML (or JSON) mapping.
func parsePayload(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := yaml.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("invalid payload: expected a mapping")
	}
	return out, nil
}
