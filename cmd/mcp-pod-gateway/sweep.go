package main

import (
	"fmt"
	"os"

	"github.com/ggoodman/mcp-pod-gateway/internal/kube"
	"github.com/ggoodman/mcp-pod-gateway/sweep"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete orphaned session Pods once and exit",
	Long: `sweep runs a single orphan sweep across all namespaces, for use from a
CronJob when the gateway itself runs with SWEEP_ENABLED=false.`,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := cfg.NewLogger(os.Stderr)

	restCfg, err := kube.LoadConfig(cfg.Kubeconfig)
	if err != nil {
		return err
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("kubernetes client: %w", err)
	}

	res, err := sweep.New(client,
		sweep.WithLogger(log),
		sweep.WithThresholds(cfg.Sweep.Grace, cfg.Sweep.StaleAfter),
	).Sweep(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d orphans=%d deleted=%d failed=%d\n", res.Scanned, res.Orphans, res.Deleted, res.Failed)
	if res.Failed > 0 {
		return fmt.Errorf("%d orphaned pods could not be deleted", res.Failed)
	}
	return nil
}
