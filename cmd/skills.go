package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworld/agentworld/internal/config"
)

func skillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect the skill registry",
	}
	cmd.AddCommand(skillsListCmd())
	return cmd
}

func skillsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Scan skill roots and list discovered skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sk := buildSkillRegistry(cfg)
			if sk == nil {
				fmt.Println("no skill roots configured")
				return nil
			}
			list := sk.List()
			if len(list) == 0 {
				fmt.Println("no skills found")
				return nil
			}
			for _, s := range list {
				fmt.Printf("%-24s %-8s %s\n", s.ID, s.Scope, s.Description)
			}
			return nil
		},
	}
}
