package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import pprof for profiling endpoints
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PostHog/dedupd/pkg/assignment"
	"github.com/PostHog/dedupd/pkg/checkpoint"
	"github.com/PostHog/dedupd/pkg/config"
	"github.com/PostHog/dedupd/pkg/coordkv"
	"github.com/PostHog/dedupd/pkg/kafka"
	"github.com/PostHog/dedupd/pkg/log"
	"github.com/PostHog/dedupd/pkg/metrics"
	"github.com/PostHog/dedupd/pkg/objectstore"
	"github.com/PostHog/dedupd/pkg/storemanager"
	"github.com/PostHog/dedupd/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dedupd",
	Short: "dedupd - stateful stream deduplication pipeline",
	Long: `dedupd deduplicates an append-only event stream per partition,
checkpoints each partition's store to object storage, and coordinates
partition ownership across worker pods with warm-before-cutover handoffs.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"dedupd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "/etc/dedupd/dedupd.yaml", "Path to the configuration file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(coordinatorCmd)
	rootCmd.AddCommand(routerCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
	metrics.SetVersion(Version)
}

func loadConfig() (*config.Config, error) {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	return config.Load(path)
}

// openCoordKV builds this node's coordination store and either bootstraps a
// fresh single-node cluster or joins an existing one.
func openCoordKV(cfg *config.Config) (*coordkv.Store, error) {
	store, err := coordkv.Open(coordkv.Config{
		NodeID:   cfg.CoordKV.NodeID,
		BindAddr: cfg.CoordKV.BindAddr,
		DataDir:  cfg.CoordKV.DataDir,
	})
	if err != nil {
		return nil, fmt.Errorf("open coordination store: %w", err)
	}
	if cfg.CoordKV.Bootstrap {
		if err := store.Bootstrap(); err != nil {
			return nil, fmt.Errorf("bootstrap coordination store: %w", err)
		}
	} else {
		if err := store.Join(); err != nil {
			return nil, fmt.Errorf("join coordination store: %w", err)
		}
	}
	metrics.RegisterComponent("coordkv", true, "")
	return store, nil
}

func assignmentConfig(cfg *config.Config) assignment.Config {
	return assignment.Config{
		LeaderLeaseTTL:   cfg.Coordinator.LeaderLeaseTTL.Std(),
		PodLeaseTTL:      cfg.Coordinator.PodLeaseTTL.Std(),
		RouterLeaseTTL:   cfg.Coordinator.PodLeaseTTL.Std(),
		DebounceInterval: cfg.Coordinator.RebalanceDebounce.Std(),
		WarmingTimeout:   cfg.Coordinator.WarmingTimeout.Std(),
		AckTimeout:       cfg.Coordinator.AckTimeout.Std(),
		CutoverTimeout:   cfg.Coordinator.CutoverTimeout.Std(),
		TotalPartitions:  cfg.Coordinator.TotalPartitions,
	}
}

func strategyFromName(name string) assignment.Strategy {
	if name == "jump_hash" {
		return assignment.JumpHash{}
	}
	return assignment.Sticky{}
}

// serveHTTP exposes /metrics, /health, /ready and /live on addr.
func serveHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("http server failed")
		}
	}()
	return srv
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage the dedupd worker",
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a dedupd worker pod",
	Long: `Start a worker pod: joins the coordination cluster, registers for
partition assignment, consumes its partitions from Kafka, deduplicates
against per-partition stores, and checkpoints them to object storage.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		podID, _ := cmd.Flags().GetString("pod-id")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if podID == "" {
			podID = cfg.CoordKV.NodeID
		}
		return runWorker(cfg, podID)
	},
}

func runWorker(cfg *config.Config, podID string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv, err := openCoordKV(cfg)
	if err != nil {
		return err
	}
	defer kv.Shutdown()

	stores := storemanager.New(storemanager.Config{
		BaseDir:          cfg.Store.BaseDir,
		MaxCapacityBytes: cfg.Store.MaxCapacityBytes,
	})
	metrics.RegisterComponent("storemanager", true, "")

	var exporter checkpoint.Exporter
	var warmer assignment.Warmer
	if cfg.Checkpoints.S3Bucket != "" {
		objects, err := objectstore.New(ctx, objectstore.Config{
			Bucket:    cfg.Checkpoints.S3Bucket,
			Region:    cfg.Checkpoints.S3Region,
			Endpoint:  cfg.Checkpoints.S3Endpoint,
			KeyPrefix: cfg.Checkpoints.S3KeyPrefix,
		})
		if err != nil {
			return err
		}
		exporter = checkpoint.NewS3Exporter(objects)
		warmer = newImportWarmer(cfg, objects)
	}

	ckptMgr := checkpoint.NewManager(checkpoint.Config{
		BaseDir:                  cfg.Checkpoints.BaseDir,
		CheckpointInterval:       cfg.Checkpoints.CheckpointInterval.Std(),
		MaxConcurrentCheckpoints: cfg.Checkpoints.MaxConcurrentCheckpoints,
		FullUploadInterval:       cfg.Checkpoints.FullUploadInterval,
		CleanupInterval:          cfg.Checkpoints.CleanupInterval.Std(),
		MaxCheckpointRetention:   time.Duration(cfg.Checkpoints.MaxRetentionHours) * time.Hour,
		MaxLocalCheckpoints:      cfg.Checkpoints.MaxLocalCheckpoints,
	}, stores, exporter)
	ckptMgr.Start(ctx)
	defer ckptMgr.Stop()

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.InputTopic,
		ClientID: "dedupd-" + podID,
	})
	if err != nil {
		return err
	}
	defer consumer.Close()
	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:     cfg.Kafka.Brokers,
		OutputTopic: cfg.Kafka.OutputTopic,
		AuditTopic:  cfg.Kafka.AuditTopic,
		ClientID:    "dedupd-" + podID,
	})
	if err != nil {
		return err
	}
	defer producer.Close()
	metrics.RegisterComponent("kafka_consumer", true, "")

	processor := kafka.NewProcessor(consumer, producer, stores, cfg.Kafka.InputTopic)
	processor.Start(ctx)
	defer processor.Stop()

	pod := assignment.NewPod(assignment.PodConfig{
		ID:       podID,
		Topic:    cfg.Kafka.InputTopic,
		LeaseTTL: cfg.Coordinator.PodLeaseTTL.Std(),
	}, kv, stores, warmer)
	if err := pod.Start(ctx); err != nil {
		return fmt.Errorf("start pod agent: %w", err)
	}
	defer pod.Stop()

	collector := metrics.NewCollector(kv, stores)
	collector.Start()
	defer collector.Stop()

	srv := serveHTTP(cfg.HTTPAddr)
	defer srv.Close()

	log.Logger.Info().Str("pod_id", podID).Msg("dedupd worker started")
	waitForSignal()
	return nil
}

// newImportWarmer adapts the checkpoint importer to the pod agent's Warmer
// contract: land the newest durable snapshot in the partition's store
// directory before the store is opened. Zero remote candidates is a fresh
// start, not a failure.
func newImportWarmer(cfg *config.Config, objects *objectstore.Client) assignment.Warmer {
	importer := &checkpoint.S3Importer{
		Store:        objects,
		Window:       time.Duration(cfg.Checkpoints.ImportWindowHours) * time.Hour,
		AttemptDepth: cfg.Checkpoints.ImportAttemptDepth,
	}
	timeout := cfg.Checkpoints.PartitionImportTimeout.Std()
	baseDir := cfg.Store.BaseDir

	return assignment.WarmerFunc(func(ctx context.Context, part types.Partition) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		destDir := fmt.Sprintf("%s/%s_%d", baseDir, part.Topic, part.Partition)
		_, err := importer.Import(ctx, part, destDir)
		if errors.Is(err, checkpoint.ErrNoCandidates) {
			return nil
		}
		return err
	})
}

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Manage the assignment coordinator",
}

var coordinatorStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start an assignment coordinator instance",
	Long: `Start a coordinator: races for the leader lease and, when leading,
maintains the partition-to-pod assignment and drives warm-before-cutover
handoffs. Standby instances take over automatically on leader failure.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runCoordinator(cfg)
	},
}

func runCoordinator(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv, err := openCoordKV(cfg)
	if err != nil {
		return err
	}
	defer kv.Shutdown()

	coord := assignment.NewCoordinator(
		cfg.CoordKV.NodeID,
		assignmentConfig(cfg),
		kv,
		strategyFromName(cfg.Coordinator.Strategy),
	)
	coord.Start(ctx)
	defer coord.Stop()

	collector := metrics.NewCollector(kv, nil)
	collector.Start()
	defer collector.Stop()

	srv := serveHTTP(cfg.HTTPAddr)
	defer srv.Close()

	log.Logger.Info().Str("node_id", cfg.CoordKV.NodeID).Msg("dedupd coordinator started")
	waitForSignal()
	return nil
}

var routerCmd = &cobra.Command{
	Use:   "router",
	Short: "Manage the partition router",
}

var routerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a router instance",
	Long: `Start a router: follows the assignment keyspace, keeps an in-memory
partition-to-pod routing table, and participates in handoff ack quorums so
cutover never races in-flight traffic.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		routerID, _ := cmd.Flags().GetString("router-id")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if routerID == "" {
			routerID = cfg.CoordKV.NodeID
		}
		return runRouter(cfg, routerID)
	},
}

func runRouter(cfg *config.Config, routerID string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv, err := openCoordKV(cfg)
	if err != nil {
		return err
	}
	defer kv.Shutdown()

	router := assignment.NewRouter(assignment.RouterConfig{
		ID:       routerID,
		LeaseTTL: cfg.Coordinator.PodLeaseTTL.Std(),
	}, kv)
	if err := router.Start(ctx); err != nil {
		return fmt.Errorf("start router agent: %w", err)
	}
	defer router.Stop()

	srv := serveHTTP(cfg.HTTPAddr)
	defer srv.Close()

	log.Logger.Info().Str("router_id", routerID).Msg("dedupd router started")
	waitForSignal()
	return nil
}

func init() {
	workerStartCmd.Flags().String("pod-id", "", "Pod identity for partition assignment (defaults to coordkv node_id)")
	workerCmd.AddCommand(workerStartCmd)

	coordinatorCmd.AddCommand(coordinatorStartCmd)

	routerStartCmd.Flags().String("router-id", "", "Router identity (defaults to coordkv node_id)")
	routerCmd.AddCommand(routerStartCmd)
}
