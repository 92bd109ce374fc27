// Package metrics provides Prometheus metrics for vCPU construction and
// exit delegate dispatch.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Labels stay bounded: no core ids, only variant, result and exit class.
var (
	// VCPUConstructTotal counts factory calls by variant and result.
	VCPUConstructTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govcpu_vcpu_construct_total",
		Help: "Total number of vCPU constructions, by variant and result.",
	}, []string{"variant", "result"})

	// VCPUCloseTotal counts released vCPUs by variant.
	VCPUCloseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govcpu_vcpu_close_total",
		Help: "Total number of released vCPUs, by variant.",
	}, []string{"variant"})

	// AddressSpaceTaggingTotal counts tagged-TLB enablement attempts by result.
	AddressSpaceTaggingTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govcpu_address_space_tagging_total",
		Help: "Total number of tagged-TLB enablement attempts, by result.",
	}, []string{"result"})

	// DelegateInvocationsTotal counts delegate calls by exit class.
	DelegateInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govcpu_delegate_invocations_total",
		Help: "Total number of exit delegate invocations, by exit class.",
	}, []string{"exit"})
)

// Result labels.
const (
	ResultOK                  = "ok"
	ResultInvalidCore         = "invalid_core"
	ResultConstructionFailure = "construction_failure"
	ResultFeatureUnavailable  = "feature_unavailable"
)

// Serve exposes the default registry on addr under /metrics until ctx ends.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}

		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	}
}
