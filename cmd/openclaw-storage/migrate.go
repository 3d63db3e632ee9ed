package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yunfeilu92/openclaw/pkg/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate --to <file|agentcore|secrets-manager>",
	Short: "Enumerate data that would move to another backend",
	Long: `Migrate plans a move of stored data between backends.

With --dry-run, every affected namespace is enumerated and the keys that
would move are counted without touching anything. Actual data movement is
not implemented yet; the dry-run enumeration is the supported surface.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("to")
		nsFlag, _ := cmd.Flags().GetString("namespace")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		yes, _ := cmd.Flags().GetBool("yes")

		switch target {
		case storage.BackendFile, storage.BackendAgentCore, storage.BackendSecretsManager:
		case "":
			return fmt.Errorf("--to is required (file, agentcore, or secrets-manager)")
		default:
			return fmt.Errorf("unknown migration target %q (use file, agentcore, or secrets-manager)", target)
		}

		namespaces := storage.Namespaces()
		if nsFlag != "" {
			ns := storage.Namespace(nsFlag)
			if !storage.ValidNamespace(ns) {
				return fmt.Errorf("unknown namespace %q (use sessions, transcripts, auth, or config)", nsFlag)
			}
			namespaces = []storage.Namespace{ns}
		}

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
		if err := svc.Initialize(ctx); err != nil {
			return err
		}

		if !dryRun && !yes {
			fmt.Printf("Migrate to %s without a dry run. Continue? [y/N] ", target)
			reader := bufio.NewReader(os.Stdin)
			answer, _ := reader.ReadString('\n')
			if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		summary := svc.GetConfigSummary()
		total := 0
		for _, ns := range namespaces {
			current := summary[ns].Backend
			if current == target {
				fmt.Printf("%-14s already on %s, nothing to move\n", ns, target)
				continue
			}
			backend, err := svc.GetBackend(ctx, ns)
			if err != nil {
				fmt.Printf("%-14s unavailable: %v\n", ns, err)
				continue
			}
			keys, err := backend.List(ctx, ns, "")
			if err != nil {
				return fmt.Errorf("list %s: %w", ns, err)
			}
			fmt.Printf("%-14s %d keys would move from %s to %s\n", ns, len(keys), current, target)
			total += len(keys)
		}

		if dryRun {
			fmt.Printf("\nDry run completed. %d keys total. No changes made.\n", total)
			return nil
		}
		fmt.Printf("\nEnumerated %d keys. Data movement is not implemented yet; re-run with --dry-run to plan.\n", total)
		return nil
	},
}

func init() {
	migrateCmd.Flags().String("to", "", "Target backend (file, agentcore, secrets-manager)")
	migrateCmd.Flags().String("namespace", "", "Restrict to one namespace")
	migrateCmd.Flags().Bool("dry-run", false, "Enumerate without making changes")
	migrateCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")
}
