package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/indexsync/internal/client"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of a running indexsync server",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		grpcAddr, _ := cmd.Flags().GetString("grpc-addr")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		out := map[string]string{}
		status, err := apiClient.Health(ctx)
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}
		out["http"] = status

		if grpcAddr != "" {
			hc, err := client.NewHealthClient(grpcAddr)
			if err != nil {
				return err
			}
			defer hc.Close()
			service := "indexsync.tenant." + tenantID
			agent, err := hc.Check(ctx, service)
			if err != nil {
				return fmt.Errorf("checking %s: %w", service, err)
			}
			out["agent"] = agent
		}

		if jsonOutput {
			if err := printJSON(out); err != nil {
				return err
			}
		} else {
			fmt.Printf("Health: %s\n", out["http"])
			if a, ok := out["agent"]; ok {
				fmt.Printf("Agent:  %s (tenant %s)\n", a, tenantID)
			}
		}

		if status != "ok" {
			return fmt.Errorf("unhealthy: %s", status)
		}
		if a, ok := out["agent"]; ok && a != "SERVING" {
			return fmt.Errorf("agent for tenant %s is %s", tenantID, a)
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().String("grpc-addr", "", "also check the tenant agent through the gRPC health service (e.g. localhost:9090)")
}
