package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/oriys/conserver/internal/auth"
	"github.com/oriys/conserver/internal/chain"
	"github.com/oriys/conserver/internal/config"
	"github.com/oriys/conserver/internal/dlqmgr"
	"github.com/oriys/conserver/internal/ingress"
	"github.com/oriys/conserver/internal/link"
	"github.com/oriys/conserver/internal/links"
	"github.com/oriys/conserver/internal/logging"
	"github.com/oriys/conserver/internal/metrics"
	"github.com/oriys/conserver/internal/observability"
	"github.com/oriys/conserver/internal/queue"
	"github.com/oriys/conserver/internal/storage"
	"github.com/oriys/conserver/internal/storages"
	"github.com/oriys/conserver/internal/supervisor"
	"github.com/oriys/conserver/internal/tracer"
	"github.com/oriys/conserver/internal/vcon"
)

var (
	redisAddr  string
	redisPass  string
	redisDB    int
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "conserver",
		Short: "conserver - queue-driven vCon pipeline orchestrator",
		Long:  "A queue-driven conversation-object (vCon) processing server: chains, DLQ, and ingress admission",
	}

	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "localhost:6379", "Redis address")
	rootCmd.PersistentFlags().StringVar(&redisPass, "redis-pass", "", "Redis password")
	rootCmd.PersistentFlags().IntVar(&redisDB, "redis-db", 0, "Redis database")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags override)")

	rootCmd.AddCommand(
		serveCmd(),
		dlqCmd(),
		apikeyCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)

	if redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}
	if redisPass != "" {
		cfg.Redis.Password = redisPass
	}
	if redisDB != 0 {
		cfg.Redis.DB = redisDB
	}
	return cfg, nil
}

func newRedisSubstrate(ctx context.Context, cfg *config.Config, poolSize int) (*queue.RedisSubstrate, error) {
	return queue.NewRedisSubstrate(ctx, queue.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: poolSize,
	})
}

// buildRegistries populates the link, storage, and tracer registries that
// every chain resolves against. Concrete business-logic links
// are out of scope; the reference fixtures in
// internal/links stand in for them.
func buildRegistries(ctx context.Context, cfg *config.Config, q queue.Substrate, vcons *vcon.Store) (*link.Registry, *storage.Registry, *tracer.Registry, error) {
	linkRegistry := link.NewRegistry()
	linkRegistry.Register("noop", link.Registration{Callable: links.Noop})
	linkRegistry.Register("filter_always", link.Registration{Callable: links.FilterAlways})
	linkRegistry.Register("failing", link.Registration{Callable: links.Failing})
	linkRegistry.Register("tag", link.Registration{Callable: links.NewTagger(vcons)})

	storageRegistry := storage.NewRegistry()
	storageRegistry.Register("mem", storage.Registration{Backend: storages.NewMemory(vcons)})

	if cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			logging.Op().Warn("postgres storage unavailable", "error", err)
		} else {
			storageRegistry.Register("postgres", storage.Registration{Backend: storages.NewPostgres(pool, vcons, "vcons")})
		}
	}

	if cfg.S3.Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3.Region))
		if err != nil {
			logging.Op().Warn("s3 storage unavailable", "error", err)
		} else {
			client := s3.NewFromConfig(awsCfg)
			storageRegistry.Register("s3", storage.Registration{Backend: storages.NewS3(client, vcons, cfg.S3.Bucket, cfg.S3.Prefix)})
		}
	}

	tracerRegistry := tracer.NewRegistry()
	tracerRegistry.Register("noop", tracer.Noop{})
	if observability.Enabled() {
		tracerRegistry.Register("otel", tracer.NewOTel())
	}

	return linkRegistry, storageRegistry, tracerRegistry, nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the vCon pipeline daemon: supervisor, DLQ manager, and ingress HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			var m *metrics.Metrics
			if cfg.Observability.Metrics.Enabled {
				m = metrics.Init(cfg.Observability.Metrics.Namespace)
			}

			chainConfigs, err := config.LoadChainsFile(cfg.ChainsFile)
			if err != nil {
				return fmt.Errorf("load chains file: %w", err)
			}

			q, err := newRedisSubstrate(ctx, cfg, redisPoolSize(chainConfigs))
			if err != nil {
				return err
			}
			defer q.Close()

			vcons := vcon.NewStore(q)

			linkRegistry, storageRegistry, tracerRegistry, err := buildRegistries(ctx, cfg, q, vcons)
			if err != nil {
				return err
			}

			sup, err := supervisor.New(supervisor.Config{
				ShutdownGrace:     cfg.Supervisor.ShutdownGrace,
				AutoRestart:       cfg.Supervisor.AutoRestart,
				RestartBackoffMin: cfg.Supervisor.RestartBackoffMin,
				RestartBackoffMax: cfg.Supervisor.RestartBackoffMax,
			}, chainConfigs, q, linkRegistry, storageRegistry, tracerRegistry)
			if err != nil {
				return fmt.Errorf("build supervisor: %w", err)
			}
			sup.Start()
			defer sup.Stop()

			policy := auth.NewPolicy(cfg.Auth.GlobalKeys, cfg.Auth.ListKeys)
			keyStore := auth.NewStore(q.Client())

			admission := ingress.New(sup.VconStore(), q, sup.DLQ(), policy, keyStore, cfg.Auth.HeaderName)

			mux := http.NewServeMux()
			mux.Handle("/", admission.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				if err := q.Ping(r.Context()); err != nil {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				w.WriteHeader(http.StatusOK)
			})
			if m != nil {
				mux.Handle("/metrics", m.Handler())
			}

			srv := &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: mux}
			go func() {
				logging.Op().Info("ingress http server starting", "addr", cfg.Daemon.HTTPAddr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("ingress http server failed", "error", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownGrace)
			defer shutdownCancel()
			srv.Shutdown(shutdownCtx)

			return nil
		},
	}
	return cmd
}

// redisPoolSize sizes the shared Redis connection pool at least
// total_workers * (1 + storage_parallelism), wide enough that storage
// fan-out never starves worker goroutines for a connection.
func redisPoolSize(configs []chain.Config) int {
	total := 0
	for _, c := range configs {
		if !c.Enabled {
			continue
		}
		storageFactor := 1
		if len(c.Storages) > 0 {
			storageFactor = 1 + len(c.Storages)
		}
		total += c.WorkerCount() * storageFactor
	}
	if total < 10 {
		total = 10
	}
	return total
}

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and manage dead-letter queues",
	}
	cmd.AddCommand(dlqListCmd(), dlqReprocessCmd(), dlqPurgeCmd())
	return cmd
}

func dlqListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <ingress-list>",
		Short: "List the UUIDs currently dead-lettered for an ingress list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			q, err := newRedisSubstrate(ctx, cfg, 5)
			if err != nil {
				return err
			}
			defer q.Close()

			mgr := dlqmgr.New(q)
			uuids, meta, err := mgr.List(ctx, args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UUID\tREASON\tLINK\tATTEMPTS\tFAILED_AT")
			for _, id := range uuids {
				entry := meta[id]
				if entry == nil {
					fmt.Fprintf(w, "%s\t?\t?\t?\t?\n", id)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", id, entry.Reason, entry.Link, entry.AttemptCount, entry.FailedAt.Format("2006-01-02T15:04:05Z"))
			}
			return w.Flush()
		},
	}
}

func dlqReprocessCmd() *cobra.Command {
	var maxItems int
	cmd := &cobra.Command{
		Use:   "reprocess <ingress-list>",
		Short: "Move dead-lettered UUIDs back onto their ingress list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			q, err := newRedisSubstrate(ctx, cfg, 5)
			if err != nil {
				return err
			}
			defer q.Close()

			mgr := dlqmgr.New(q)
			moved, err := mgr.Reprocess(ctx, args[0], maxItems)
			if err != nil {
				return err
			}
			fmt.Printf("reprocessed %d item(s)\n", len(moved))
			return nil
		},
	}
	cmd.Flags().IntVar(&maxItems, "max", 0, "Maximum items to reprocess (0 = unbounded)")
	return cmd
}

func dlqPurgeCmd() *cobra.Command {
	var uuid string
	cmd := &cobra.Command{
		Use:   "purge <ingress-list>",
		Short: "Remove dead-lettered entries without returning them to the ingress list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			q, err := newRedisSubstrate(ctx, cfg, 5)
			if err != nil {
				return err
			}
			defer q.Close()

			mgr := dlqmgr.New(q)
			if err := mgr.Purge(ctx, args[0], uuid); err != nil {
				return err
			}
			fmt.Println("purge complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&uuid, "uuid", "", "Purge a single UUID instead of the whole DLQ")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage dynamically issued ingress API keys",
	}
	cmd.AddCommand(apikeyCreateCmd(), apikeyListCmd(), apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Mint a new API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			q, err := newRedisSubstrate(ctx, cfg, 2)
			if err != nil {
				return err
			}
			defer q.Close()

			store := auth.NewStore(q.Client())
			plaintext, err := store.Create(ctx, args[0], scope)
			if err != nil {
				return err
			}
			fmt.Printf("key: %s\n", plaintext)
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", auth.ScopeGlobal, "Ingress list this key is scoped to, or \"*\" for global")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			q, err := newRedisSubstrate(ctx, cfg, 2)
			if err != nil {
				return err
			}
			defer q.Close()

			store := auth.NewStore(q.Client())
			keys, err := store.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSCOPE\tENABLED\tCREATED_AT")
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", k.Name, k.Scope, k.Enabled, k.CreatedAt.Format("2006-01-02T15:04:05Z"))
			}
			return w.Flush()
		},
	}
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <name>",
		Short: "Disable an API key without deleting its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			q, err := newRedisSubstrate(ctx, cfg, 2)
			if err != nil {
				return err
			}
			defer q.Close()

			store := auth.NewStore(q.Client())
			return store.Revoke(ctx, args[0])
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the conserver version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("conserver dev")
		},
	}
}
