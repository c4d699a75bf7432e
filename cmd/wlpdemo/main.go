// Command wlpdemo wires two in-process participants together over an
// in-memory transport and drives the liveliness protocol end-to-end: one
// automatic writer on participant A, one matching reader on participant
// B, with liveliness-changed notifications logged as they arrive.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/rtps-liveliness/internal/rtps/builtin"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/discovery"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/liveliness"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/metrics"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/rtpstypes"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/sched"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/security"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/status"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/transport"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/wlp"
	"github.com/malbeclabs/rtps-liveliness/internal/rtpsconfig"
)

var (
	verbose          bool
	announcementMS   int
	leaseMS          int
	runFor           time.Duration
	metricsEnable    bool
	metricsAddr      string
)

func main() {
	root := &cobra.Command{
		Use:   "wlpdemo",
		Short: "Runs two in-process RTPS participants exchanging liveliness assertions",
		RunE:  run,
	}
	root.Flags().BoolVar(&verbose, "v", false, "enable debug logging")
	root.Flags().IntVar(&announcementMS, "announcement-ms", 100, "automatic writer announcement period, in milliseconds")
	root.Flags().IntVar(&leaseMS, "lease-ms", 400, "writer lease duration, in milliseconds")
	root.Flags().DurationVar(&runFor, "run-for", 3*time.Second, "how long to run before exiting")
	root.Flags().BoolVar(&metricsEnable, "metrics-enable", false, "serve Prometheus metrics")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "localhost:9090", "address to serve Prometheus metrics on")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	if metricsEnable {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			logger.Info("serving metrics", slog.String("addr", metricsAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", slog.Any("err", err))
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	collectors := metrics.New(reg, "rtps_liveliness")

	clock := clockwork.NewRealClock()

	pubPrefix := randomPrefix()
	subPrefix := randomPrefix()

	pubConf := &rtpsconfig.Config{ParticipantPrefix: pubPrefix}
	subConf := &rtpsconfig.Config{ParticipantPrefix: subPrefix}
	if err := pubConf.Validate(); err != nil {
		return fmt.Errorf("wlpdemo: publisher config: %w", err)
	}
	if err := subConf.Validate(); err != nil {
		return fmt.Errorf("wlpdemo: subscriber config: %w", err)
	}

	pubEndpoints := builtin.New(pubPrefix, pubConf.IsLivelinessProtected)
	subEndpoints := builtin.New(subPrefix, subConf.IsLivelinessProtected)

	pubScheduler := sched.New(ctx, logger.With(slog.String("role", "pub")), clock)
	subScheduler := sched.New(ctx, logger.With(slog.String("role", "sub")), clock)

	// The liveliness managers' transition callbacks call back into the
	// WLP core that owns them, but the managers must exist before
	// wlp.New can be called. These forwarding closures break the cycle.
	var pubCore, subCore *wlp.Core
	pubPubManager := liveliness.New(logger, clock, pubConf.ManagerMaxRecords, func(t liveliness.Transition) { pubCore.PubLivelinessChanged(t) })
	pubSubManager := liveliness.New(logger, clock, pubConf.ManagerMaxRecords, func(t liveliness.Transition) { pubCore.SubLivelinessChanged(t) })
	subPubManager := liveliness.New(logger, clock, subConf.ManagerMaxRecords, func(t liveliness.Transition) { subCore.PubLivelinessChanged(t) })
	subSubManager := liveliness.New(logger, clock, subConf.ManagerMaxRecords, func(t liveliness.Transition) { subCore.SubLivelinessChanged(t) })

	pubCore = wlp.New(logger.With(slog.String("participant", "pub")), pubPrefix, pubScheduler, pubEndpoints,
		discovery.NewMemoryDatabase(), security.Permissive{}, pubPubManager, pubSubManager).WithMetrics(collectors)
	subCore = wlp.New(logger.With(slog.String("participant", "sub")), subPrefix, subScheduler, subEndpoints,
		discovery.NewMemoryDatabase(), security.Permissive{}, subPubManager, subSubManager).WithMetrics(collectors)

	// Link the publisher's built-in writer directly to the subscriber's
	// built-in reader, standing in for a full reliable transport.
	linked := transport.Link(pubEndpoints.Plain.Writer, subEndpoints.Plain.Reader, subCore.OnInboundChange)
	pubEndpoints.Plain.Writer = linked

	readerGUID := rtpstypes.GUID{Prefix: subPrefix, Entity: rtpstypes.EntityID{0x00, 0x00, 0x07, 0x01}}
	subCore.AddLocalReader(readerGUID, rtpstypes.Automatic, rtpstypes.DurationFromTime(time.Duration(leaseMS)*time.Millisecond),
		func(guid rtpstypes.GUID, st status.ChangedStatus) {
			logger.Info("liveliness_changed",
				slog.String("reader", guid.String()),
				slog.Uint64("alive_count", st.AliveCount),
				slog.Uint64("not_alive_count", st.NotAliveCount))
		})

	subCore.AssignRemoteEndpoints(ctx, discovery.ParticipantProxy{
		GUIDPrefix:             pubPrefix,
		HasParticipantMessageW: true,
		AutomaticLease:         rtpstypes.DurationFromTime(time.Duration(leaseMS) * time.Millisecond),
	})

	writerGUID := rtpstypes.GUID{Prefix: pubPrefix, Entity: rtpstypes.EntityID{0x00, 0x00, 0x07, 0x02}}
	pubCore.AddLocalWriter(writerGUID, discovery.WriterQoS{
		Kind:               rtpstypes.Automatic,
		AnnouncementPeriod: rtpstypes.DurationFromTime(time.Duration(announcementMS) * time.Millisecond),
		LeaseDuration:      rtpstypes.DurationFromTime(time.Duration(leaseMS) * time.Millisecond),
	}, func(guid rtpstypes.GUID, st status.LostStatus) {
		logger.Warn("liveliness_lost", slog.String("writer", guid.String()), slog.Uint64("total_count", st.TotalCount))
	})

	logger.Info("wlpdemo running", slog.Duration("for", runFor))

	select {
	case <-ctx.Done():
	case <-time.After(runFor):
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	_ = pubCore.Shutdown(shutdownCtx)
	_ = subCore.Shutdown(shutdownCtx)
	return nil
}

func randomPrefix() rtpstypes.GUIDPrefix {
	id := uuid.New()
	var p rtpstypes.GUIDPrefix
	copy(p[:], id[:12])
	return p
}
