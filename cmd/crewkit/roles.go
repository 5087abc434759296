package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crewkit/crewkit/internal/config"
)

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "List the roles available to the decomposer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		roles, err := config.BuildRegistry(cfg.Roles)
		if err != nil {
			return fmt.Errorf("build roles: %w", err)
		}

		names := roles.Names()
		sort.Strings(names)
		for _, name := range names {
			role := roles.Get(name)
			fmt.Printf("%s  (%s, max %d, weight %.1f", role.Name, role.Mode, role.MaxParallel, role.BudgetWeight)
			if role.AutoReview {
				fmt.Print(", auto-review")
			}
			fmt.Println(")")
			fmt.Printf("    %s\n", role.Description)
			if len(role.AllowedTools) > 0 {
				fmt.Printf("    tools: %s\n", strings.Join(role.AllowedTools, ", "))
			}
		}
		return nil
	},
}
