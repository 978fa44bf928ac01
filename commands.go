package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pettag-backend/common"
	"pettag-backend/registry"
	"pettag-backend/sections"
	"pettag-backend/sections/admin"
	"pettag-backend/sections/common/auth"
	"pettag-backend/sections/payments"
	"pettag-backend/sections/subscriptions"
	"pettag-backend/sections/tags"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the maintenance scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jwtManager, err := auth.NewJWTManagerFromEnv(cfg.JWTIssuer)
			if err != nil {
				return fmt.Errorf("failed to initialize JWT manager: %w", err)
			}

			r, err := newRouter(a.deps, jwtManager)
			if err != nil {
				return err
			}

			a.deps.Scheduler.Start()
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				a.deps.Scheduler.Stop(stopCtx)
			}()

			srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
			errCh := make(chan error, 1)
			go func() {
				slog.Info("Starting server", "addr", cfg.ListenAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			slog.Info("Shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newRouter(deps *sections.Dependencies, jwtManager *auth.JWTManager) (*gin.Engine, error) {
	cfg := deps.Config
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	if len(cfg.TrustedProxies) == 0 && !cfg.IsDevelopment() {
		return nil, errors.New("in production mode, TRUSTED_PROXIES must be set")
	} else if len(cfg.TrustedProxies) > 0 {
		slog.Info("Setting trusted proxies", "proxies", cfg.TrustedProxies)
		if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
			return nil, fmt.Errorf("failed to set trusted proxies: %w", err)
		}
	} else {
		slog.Warn("No trusted proxies set (TRUSTED_PROXIES not defined)")
	}

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigins) == 0 && !cfg.IsDevelopment() {
		return nil, errors.New("in production mode, CORS_ORIGINS must be set")
	} else if len(cfg.CORSOrigins) > 0 {
		slog.Info("CORS origins set from CORS_ORIGINS")
		corsConfig.AllowOrigins = cfg.CORSOrigins
	} else {
		slog.Warn("Using default origin function in non-production mode (CORS_ORIGINS not defined)")
		corsConfig.AllowOriginFunc = func(origin string) bool {
			return origin == "http://localhost" || strings.HasPrefix(origin, "http://localhost:")
		}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	r.Use(cors.New(corsConfig))

	r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		sqlDB, err := deps.DB.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err == nil && deps.Redis != nil {
			err = deps.Redis.Ping(ctx)
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, common.ApiResponse[any]{Success: false, Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, common.ApiResponse[string]{Data: "ok", Success: true})
	})

	frontendRoutes := r.Group("")
	callbackRoutes := r.Group("/callbacks")
	internalRoutes := r.Group("/internal")

	auth.RegisterRoutes(frontendRoutes, jwtManager)
	payments.RegisterRoutes(frontendRoutes, callbackRoutes, deps, jwtManager)
	tags.RegisterRoutes(frontendRoutes, deps, jwtManager)
	subscriptions.RegisterRoutes(frontendRoutes, deps, jwtManager)
	admin.RegisterRoutes(frontendRoutes, internalRoutes, deps, jwtManager)

	return r, nil
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables, the active subscription index and the pricing plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()

			cfg, cfgDir, err := loadConfig()
			if err != nil {
				return err
			}
			database, err := connectDatabase(ctx, cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.Migrate(ctx); err != nil {
				return err
			}
			store := registry.NewStore(database, cfg.TxTimeout())
			if err := store.EnsureActiveSubscriptionIndex(ctx); err != nil {
				return fmt.Errorf("failed to create active subscription index: %w", err)
			}

			plans, err := common.LoadPlans(cfgDir)
			if errors.Is(err, os.ErrNotExist) {
				slog.Warn("No plans file, skipping pricing plan seed", "dir", cfgDir)
				return nil
			} else if err != nil {
				return err
			}
			rows, err := common.PricingPlans(plans)
			if err != nil {
				return err
			}
			if err := store.SeedPricingPlans(ctx, rows); err != nil {
				return fmt.Errorf("failed to seed pricing plans: %w", err)
			}
			slog.Info("Pricing plans seeded", "count", len(rows))
			return nil
		},
	}
}

func sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire subscriptions whose end date has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.deps.Manager.ExpireDue(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func reconcileDuplicatesCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reconcile-duplicates",
		Short: "Remove duplicate active subscriptions per user and tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, runErr := a.deps.Reconciler.Run(cmd.Context(), dryRun)
			if report != nil {
				if err := printJSON(cmd, report); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
