// Command chronosd runs one node of a Chronos timer cluster: it serves
// the HTTP timer surface, drives the tick loop that fires expired
// timers, and fans winning inserts out to local replicas and remote
// sites.
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

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/chronos-project/chronos/internal/api"
	"github.com/chronos-project/chronos/internal/chronosd/callback"
	"github.com/chronos-project/chronos/internal/chronosd/cluster"
	"github.com/chronos-project/chronos/internal/chronosd/handler"
	"github.com/chronos-project/chronos/internal/chronosd/lock"
	"github.com/chronos-project/chronos/internal/chronosd/replication"
	"github.com/chronos-project/chronos/internal/chronosd/resync"
	"github.com/chronos-project/chronos/internal/chronosd/stats"
	"github.com/chronos-project/chronos/internal/chronosd/store"
	"github.com/chronos-project/chronos/internal/chronosd/throttle"
	"github.com/chronos-project/chronos/internal/chronosd/timer"
	"github.com/chronos-project/chronos/internal/config"
	"github.com/chronos-project/chronos/pkg/logger"
)

const (
	serviceName    = "chronosd"
	serviceVersion = "1.0.0"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chronosd: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chronosd",
	Short: "Chronos distributed timer service node",
	Long: `chronosd runs one node of a Chronos timer cluster: it serves the
HTTP timer surface, drives the tick loop that fires expired timers, and
fans winning inserts out to local replicas and remote sites.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
	},
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load and validate a config file without starting the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		fmt.Printf("config OK: http=%s:%d cluster.localhost=%s nodes=%d\n",
			cfg.HTTP.BindAddress, cfg.HTTP.BindPort, cfg.Cluster.Localhost, len(cfg.Cluster.Node))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateConfigCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("chronosd: failed to load config: %w", err)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(log)

	log.Info("starting chronosd", "service", serviceName, "version", serviceVersion, "bind", fmt.Sprintf("%s:%d", cfg.HTTP.BindAddress, cfg.HTTP.BindPort))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("chronosd exited with error", "err", err)
		return err
	}
	return nil
}

// kubernetesClient builds an in-cluster client for membership discovery
// via EndpointsWatcher; chronosd is expected to run as a pod within the
// same cluster it discovers peers in.
func kubernetesClient() (kubernetes.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}
	return kubernetes.NewForConfig(restCfg)
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	clusterMgr := cluster.NewManager(cluster.ViewFromConfig(cfg))

	if cfg.Cluster.Kubernetes.Enabled {
		kc, err := kubernetesClient()
		if err != nil {
			return fmt.Errorf("kubernetes discovery: %w", err)
		}
		view := clusterMgr.Snapshot()
		watcher := cluster.NewEndpointsWatcher(kc, cfg.Cluster.Kubernetes.Namespace, cfg.Cluster.Kubernetes.Service, cfg.Cluster.Kubernetes.Port, clusterMgr, log).
			WithLocalIdentity(view.LocalAddr, view.LocalSite, view.ConfiguredSites, view.ReplicationFactor, view.RemoteSites)
		go watcher.Run(ctx, 10*time.Second)
	}

	nowMonoMs := func() uint32 { return uint32(time.Now().UnixMilli()) }

	idFormat := timer.IDFormatWithoutReplicas
	if cfg.Timers.IDFormat == "with_replicas" {
		idFormat = timer.IDFormatWithReplicas
	}

	var statsSink stats.Sink = stats.NoopSink{}
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		statsSink = stats.DefaultSink()
		metricsHandler = promhttp.Handler()
	}

	timerStore := store.New(uint32(time.Now().UnixMilli()), store.WithLogger(log))

	dispatcher := callback.NewHTTPDispatcher(cfg.Handler.CallbackWorkers, 10*time.Second, log)

	localReplicator := replication.NewLocalReplicator(
		cfg.Handler.LocalReplicatorWorkers, cfg.Cluster.Localhost, idFormat, nowMonoMs, nil, log,
	)
	defer localReplicator.Close()

	var grReplicator *replication.GRReplicator
	if len(cfg.GR.RemoteSites) > 0 {
		grReplicator = replication.NewGRReplicator(
			cfg.Handler.GRReplicatorWorkers, cfg.GR.LocalSiteName, cfg.GR.RemoteSites, idFormat, nowMonoMs, nil, log,
		)
		defer grReplicator.Close()
	}

	h := handler.New(timerStore, clusterMgr, dispatcher, handler.Config{
		NetworkDelayMs:   uint32(cfg.Handler.NetworkDelay.Milliseconds()),
		ReplicaStaggerMs: uint32(cfg.Handler.ReplicaStaggerMs),
	},
		handler.WithStats(statsSink),
		handler.WithLogger(log),
		handler.WithIDFormat(idFormat),
		handler.WithLocalReplicator(localReplicator),
		handler.WithGRReplicator(grReplicator),
	)

	ids := timer.NewIDGenerator(cfg.Identity.InstanceID, cfg.Identity.DeploymentID)

	go h.Run(ctx)

	if cfg.Lock.Enabled {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Lock.RedisAddr})
		defer redisClient.Close()
		go runResyncLoop(ctx, cfg, h, localReplicator, redisClient, log)
	}

	return serveHTTP(ctx, cfg, h, ids, metricsHandler, log)
}

// runResyncLoop periodically single-flights a cluster resync pass
// behind the distributed lock, so only one node in a simultaneous
// reconfiguration drives the pull against every peer at a time.
func runResyncLoop(ctx context.Context, cfg *config.Config, h *handler.Handler, replicator *replication.LocalReplicator, redisClient *redis.Client, log *slog.Logger) {
	peerClient := resync.NewHTTPPeerClient(nil, h.NowMonoMs, h.NowWallMs)
	driver := resync.NewDriver(h, peerClient, replicator, cfg.Cluster.Localhost, cfg.Handler.DefaultResyncPageSize, log)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !cfg.IsReconfiguring() {
				continue
			}
			view := h.ClusterView()
			ran, err := lock.RunExclusive(ctx, redisClient, "chronos:resync", lock.Config{
				TTL:            cfg.Lock.TTL,
				AcquireTimeout: cfg.Lock.AcquireTimeout,
			}, log, func(ctx context.Context) error {
				driver.Run(ctx, view.NewCluster)
				return nil
			})
			if err != nil {
				log.Warn("resync: lock-guarded run failed", "err", err)
			} else if !ran {
				log.Debug("resync: skipped, another node already running")
			}
		}
	}
}

func serveHTTP(ctx context.Context, cfg *config.Config, h *handler.Handler, ids *timer.IDGenerator, metricsHandler http.Handler, log *slog.Logger) error {
	router := mux.NewRouter()
	apiHandlers := api.New(h, ids, cfg.Cluster.Localhost, cfg.Handler.DefaultResyncPageSize, log)
	apiHandlers.RegisterRoutes(router)
	if metricsHandler != nil {
		router.Handle(cfg.Metrics.Path, metricsHandler).Methods(http.MethodGet)
	}

	limiter := throttle.New(throttle.Config{
		Enabled:           cfg.Throttling.Enabled,
		RequestsPerSecond: cfg.Throttling.RequestsPerSecond,
		Burst:             cfg.Throttling.Burst,
	}, log)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTP.BindAddress, cfg.HTTP.BindPort),
		Handler: logger.LoggingMiddleware(log)(limiter.Middleware(router)),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Exceptions.MaxTTL)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
