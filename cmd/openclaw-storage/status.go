package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yunfeilu92/openclaw/pkg/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-namespace backend routing and classification",
	Long: `Status prints the service mode and, for each namespace, the backend
tag and data classification the current configuration resolves to.

With --health, every resolved backend is probed and its latency reported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		withHealth, _ := cmd.Flags().GetBool("health")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		svc, err := storage.NewService(cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx := context.Background()
		summary := svc.GetConfigSummary()

		var health map[storage.Namespace]storage.HealthResult
		if withHealth {
			if err := svc.Initialize(ctx); err != nil {
				return err
			}
			health = svc.HealthCheck(ctx)
		}

		if asJSON {
			out := map[string]any{
				"mode":       cfg.Type,
				"namespaces": summary,
			}
			if withHealth {
				out["health"] = health
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		fmt.Printf("Service mode: %s\n\n", cfg.Type)
		fmt.Printf("%-14s %-18s %-10s", "NAMESPACE", "BACKEND", "CLASS")
		if withHealth {
			fmt.Printf(" %-9s %s", "HEALTHY", "LATENCY")
		}
		fmt.Println()
		for _, ns := range storage.Namespaces() {
			s := summary[ns]
			fmt.Printf("%-14s %-18s %-10s", ns, s.Backend, s.Classification)
			if withHealth {
				h := health[ns]
				status := "yes"
				if !h.OK {
					status = "no: " + h.Error
				}
				fmt.Printf(" %-9s %s", status, h.Latency.Round(time.Millisecond))
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	statusCmd.Flags().Bool("health", false, "Probe each resolved backend")
}
