package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/indexsync/internal/coordinator"
	"github.com/alfredjeanlab/indexsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show the agent, assignment and outbox backlog of each tenant",
	GroupID: "agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		all, _ := cmd.Flags().GetBool("all")

		if all {
			tenants, err := apiClient.ListTenants(ctx)
			if err != nil {
				return fmt.Errorf("listing tenants: %w", err)
			}
			if jsonOutput {
				return printJSON(tenants)
			}
			printTenantTable(os.Stdout, tenants)
			return nil
		}

		t, err := apiClient.GetTenant(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("getting tenant %s: %w", tenantID, err)
		}
		if jsonOutput {
			return printJSON(t)
		}
		printTenantDetail(os.Stdout, t)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolP("all", "a", false, "show every tenant")
}

var agentsCmd = &cobra.Command{
	Use:     "agents",
	Short:   "List the registered agents of a tenant",
	GroupID: "agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		orphaned, _ := cmd.Flags().GetBool("orphaned")

		list := apiClient.ListAgents
		if orphaned {
			list = apiClient.ListOrphans
		}
		agents, err := list(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("listing agents: %w", err)
		}
		if jsonOutput {
			return printJSON(agents)
		}
		printAgentTable(os.Stdout, agents, time.Now())
		return nil
	},
}

func init() {
	agentsCmd.Flags().Bool("orphaned", false, "only mass indexing jobs whose heartbeat expired")
}

var suspendCmd = &cobra.Command{
	Use:     "suspend",
	Short:   "Keep the tenant's agent registered but release its shards",
	GroupID: "agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := apiClient.Suspend(context.Background(), tenantID)
		if err != nil {
			return fmt.Errorf("suspending %s: %w", tenantID, err)
		}
		return printStateChange(st)
	},
}

var resumeCmd = &cobra.Command{
	Use:     "resume",
	Short:   "Let a suspended agent own shards again",
	GroupID: "agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := apiClient.Resume(context.Background(), tenantID)
		if err != nil {
			return fmt.Errorf("resuming %s: %w", tenantID, err)
		}
		return printStateChange(st)
	},
}

func printStateChange(st *coordinator.Status) error {
	if jsonOutput {
		return printJSON(st)
	}
	fmt.Printf("%s: %s is %s, assignment %s\n", st.Tenant, st.Reference, ui.RenderState(st.State), st.Assignment)
	return nil
}
