package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/musterlabs/muster/internal/breaker"
	"github.com/musterlabs/muster/internal/logging"
)

var agentsLiveOnly bool

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the agent pool",
	Long: `List the agents registered in the coordination layer.

Liveness is derived from each agent's last heartbeat: an agent that
missed its liveness window is shown as stale but stays listed until it
deregisters or is pruned by its own shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logging.Init(cfg.Logging)

		breakers := breaker.NewRegistry(cfg.Breaker.BreakerRegistryConfig())
		coordinator, kv, err := buildCoordinator(ctx, cfg, breakers, log)
		if err != nil {
			return err
		}
		defer kv.Close()

		agents, err := coordinator.ListAgents(ctx)
		if err != nil {
			return err
		}
		if agentsLiveOnly {
			n := 0
			for _, a := range agents {
				if a.Live {
					agents[n] = a
					n++
				}
			}
			agents = agents[:n]
		}
		if len(agents) == 0 {
			fmt.Println("No agents in the pool.")
			return nil
		}

		headerColor.Printf("%-16s %-8s %-6s %-14s %s\n", "AGENT", "BAND", "LIVE", "LAST SEEN", "CAPABILITIES")
		for _, a := range agents {
			fmt.Printf("%-16s %-8s ", a.ID, a.Band)
			if a.Live {
				successColor.Printf("%-6s", "yes")
			} else {
				errorColor.Printf("%-6s", "no")
			}
			fmt.Printf(" %-14s %s\n", timeAgo(a.LastSeen), strings.Join(a.Capabilities, ","))
		}
		return nil
	},
}

func init() {
	agentsCmd.Flags().BoolVar(&agentsLiveOnly, "live", false, "Show only agents within their liveness window")
}
