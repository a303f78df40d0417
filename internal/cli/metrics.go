package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"looper/internal/kernel"
	"looper/pkg/metrics"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show aggregated lifecycle totals from Prometheus",
	Long: `Query the configured Prometheus server for aggregated loop lifecycle
counters. Requires metrics to be enabled and scraped; the endpoint itself is
served by any looper process started with metrics.enabled.`,
	RunE: runMetrics,
}

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Serve the Prometheus scrape endpoint until interrupted",
	RunE:  runServeMetrics,
}

func init() {
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(serveMetricsCmd)
}

func runMetrics(cmd *cobra.Command, _ []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		svc, err := metrics.NewQueryService(k.Config.Metrics.PrometheusURL)
		if err != nil {
			return err
		}
		totals, err := svc.GetLifecycleTotals(ctx)
		if err != nil {
			return fmt.Errorf("prometheus query failed: %w", err)
		}

		fmt.Printf("Loops created:   %d\n", totals.Created)
		fmt.Printf("Loops started:   %d\n", totals.Started)
		fmt.Printf("Loops merged:    %d\n", totals.Merged)
		fmt.Printf("Loops pushed:    %d\n", totals.Pushed)
		fmt.Printf("Loops discarded: %d\n", totals.Discarded)
		return nil
	})
}

func runServeMetrics(cmd *cobra.Command, _ []string) error {
	k, err := kernel.New(baseDir)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	defer k.Close(ctx)

	if k.Recorder == nil {
		return fmt.Errorf("metrics are disabled; set metrics.enabled in looper.yaml")
	}
	if err := k.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("Serving metrics on %s, Ctrl-C to stop.\n", k.Config.Metrics.ListenAddr)
	<-ctx.Done()
	return nil
}
