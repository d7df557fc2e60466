package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"edututor/internal/api"
	"edututor/internal/auth"
	"edututor/internal/config"
	"edututor/internal/logging"
	"edututor/internal/quiz"
	"edututor/internal/redis"
	"edututor/internal/resolver"
	"edututor/internal/service/ai"
	"edututor/internal/service/assistant"
	"edututor/internal/service/media"
	"edututor/internal/session"
	"edututor/internal/storage"
	"edututor/internal/tutor"
	"edututor/internal/worker"
)

const shutdownGrace = 10 * time.Second

var (
	cfgPath string
	logger  *zap.Logger
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "edututor",
	Short: "Real-time tutoring assistant for children",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if logger, err = logging.New(cfg.Logging); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info("database migrated", zap.String("driver", db.Driver()))
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage API tokens",
}

var tokenUser int64

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a token for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenUser <= 0 {
			return errors.New("--user is required")
		}
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()
		token, err := auth.NewService(db, nil, cfg.BasicConfig.TokenTTL.Std(), logger).IssueToken(cmd.Context(), tokenUser)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke TOKEN",
	Short: "Revoke a token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()
		return auth.NewService(db, nil, cfg.BasicConfig.TokenTTL.Std(), logger).RevokeToken(cmd.Context(), args[0])
	},
}

func init() {
	defaultCfg := os.Getenv("EDUTUTOR_CONFIG")
	if defaultCfg == "" {
		defaultCfg = "config.json"
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultCfg, "path to the JSON or YAML config file")
	tokenIssueCmd.Flags().Int64Var(&tokenUser, "user", 0, "user id")

	tokenCmd.AddCommand(tokenIssueCmd, tokenRevokeCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openDatabase() (*storage.DB, error) {
	db, err := storage.Open(cfg.BasicConfig.Database, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// offline stands in for the model when no provider is configured.
type offline struct{ err error }

func (o offline) Stream(context.Context, ai.Request, func(string) error) error { return o.err }

func serve(ctx context.Context) error {
	b := cfg.BasicConfig
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	var cache *redis.Client
	if cfg.Redis.Enabled {
		if cache, err = redis.New(ctx, cfg.Redis); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer cache.Close()
	}

	storeOpts := []session.Option{
		session.WithShards(b.SessionShards),
		session.WithSweepInterval(b.SweepInterval.Std()),
		session.WithLogger(logger),
	}
	if cache != nil {
		storeOpts = append(storeOpts, session.WithInvalidator(session.NewRedisInvalidator(cache, logger)))
	}
	sessions := session.New(b.SessionTTL.Std(), storeOpts...)
	defer sessions.Close()

	var (
		gen       worker.Generator
		completer quiz.Completer
	)
	client, err := ai.NewClient(ctx, cfg, "", logger)
	if err != nil {
		logger.Warn("language model disabled", zap.Error(err))
		gen = offline{err: err}
	} else {
		gen, completer = client, client
	}

	engine := quiz.New(completer,
		quiz.WithAttempts(cfg.Quiz.Attempts),
		quiz.WithExplanations(cfg.Quiz.ExplainEnabled()),
		quiz.WithLogger(logger),
	)
	bridge := worker.NewBridge(gen, worker.DispatcherConfig{
		MinWorkers:  b.MinWorkers,
		MaxWorkers:  b.MaxWorkers,
		QueueSize:   b.QueueSize,
		IdleTimeout: b.WorkerIdleTimeout.Std(),
		BufferSize:  b.StreamBuffer,
	}, logger)
	defer bridge.Close()

	mediaSvc, err := media.FromConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}
	composer := media.NewComposer(completer, engine, logger)

	assistantSvc := assistant.NewService(db, logger)
	authSvc := auth.NewService(db, cache, b.TokenTTL.Std(), logger)
	identity := auth.NewIdentity(assistantSvc, cache, 0, logger)

	router := tutor.NewRouter(tutor.Deps{
		Sessions:  sessions,
		Store:     assistantSvc,
		Identity:  identity,
		Quiz:      engine,
		Bridge:    bridge,
		Media:     mediaSvc,
		Composer:  composer,
		ShortTurn: resolver.NewShortTurn(b.ShortTurnThreshold),
		Logger:    logger,
		Config:    tutor.Config{GenerationTimeout: b.GenerationTimeout.Std()},
	})
	handler := api.NewHandler(api.Options{
		Assistant: assistantSvc,
		Auth:      authSvc,
		Identity:  identity,
		Router:    router,
		Sessions:  sessions,
		Quiz:      engine,
		Pool:      bridge,
		Logger:    logger,
	})

	engineHTTP := gin.New()
	engineHTTP.Use(gin.Recovery())
	handler.RegisterRoutes(engineHTTP)
	srv := &http.Server{Addr: b.ServerAddress, Handler: engineHTTP}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", b.ServerAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return assistantSvc.RunProvisionalCleaner(gctx, b.ProvisionalTTL.Std(), b.CleanInterval.Std())
	})
	g.Go(func() error {
		ticker := time.NewTicker(b.CleanInterval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n, err := authSvc.PurgeExpired(gctx); err != nil {
					logger.Warn("purge expired tokens failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("expired tokens purged", zap.Int64("count", n))
				}
			}
		}
	})
	return g.Wait()
}
