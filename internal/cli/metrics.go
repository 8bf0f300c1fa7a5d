package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-tally/v1/metrics"
)

func (a *app) metricsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve tally metrics for Prometheus",
		Long: WrapString(`Serve /metrics until interrupted. Combine with --bench-interval to
keep a background counter benchmark running so the collectors move.`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = a.v.GetString("metrics.addr")
			}
			interval, _ := cmd.Flags().GetDuration("bench-interval")
			return a.serveMetrics(cmd, addr, interval)
		},
	}
	cmd.Flags().String("addr", "", WrapString("listen address (default metrics.addr from the config)"))
	cmd.Flags().Duration("bench-interval", 0, WrapString("run a small counter benchmark at this interval"))
	return cmd
}

func (a *app) serveMetrics(cmd *cobra.Command, addr string, interval time.Duration) error {
	ctx := cmd.Context()
	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.logger.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	fmt.Fprintf(cmd.OutOrStdout(), "serving metrics on http://%s/metrics\n", ln.Addr())

	if interval > 0 {
		t, err := a.open(cmd)
		if err != nil {
			_ = ln.Close()
			return err
		}
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := benchCounter(ctx, t, "metrics", 2, 10); err != nil {
						a.logger.Warn().Err(err).Msg("background benchmark failed")
					}
				}
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
