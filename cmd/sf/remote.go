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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"specflow/internal/app"
	"specflow/internal/config"
	"specflow/internal/domain"
	"specflow/internal/server"
	"specflow/internal/syncer"
	specflowsdk "specflow/sdk/go"
)

func serveCmd() *cobra.Command {
	var addr string
	var basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long:  "Serves the specflow API with OpenAPI at <base>/openapi.json, Swagger UI at /docs and Prometheus metrics at /metrics. Requires SPECFLOW_JWT_SECRET.",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("SPECFLOW_JWT_SECRET"), AllowDevLogin: devLogin}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SPECFLOW_JWT_SECRET is required for bearer auth")
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ws, err := app.Open(ctx, viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer ws.Close()
			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg, Logger: logger.Named("http")})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(ctx, ws.Engine, logger)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving specflow API", zap.String("addr", addr), zap.String("base_path", basePath), zap.Bool("dev_login", devLogin))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the unauthenticated dev login endpoint")
	return cmd
}

// newSyncer follows --server when set and the local workspace otherwise. The returned close
// function releases the workspace.
func newSyncer(ctx context.Context, logger *zap.Logger) (*syncer.Syncer, func(), error) {
	if base := viper.GetString("server"); base != "" {
		client := specflowsdk.New(base)
		client.BearerToken = viper.GetString("token")
		client.APIKey = viper.GetString("api-key")
		cfg, err := config.Load(viper.GetString("workspace"))
		if err != nil {
			return nil, nil, err
		}
		return syncer.New(client, syncer.OptionsFromConfig(cfg.Sync, logger)), func() {}, nil
	}
	ws, err := app.Open(ctx, viper.GetString("workspace"), logger)
	if err != nil {
		return nil, nil, err
	}
	remote := syncer.Local{Engine: ws.Engine, Principal: principal()}
	return syncer.New(remote, syncer.OptionsFromConfig(ws.Config.Sync, logger)), func() { ws.Close() }, nil
}

func watchCmd() *cobra.Command {
	var approvals bool
	cmd := &cobra.Command{
		Use:   "watch [subject-id...]",
		Short: "Follow workflows and pending approvals until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !approvals {
				return fmt.Errorf("name at least one subject or pass --approvals")
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			s, closeFn, err := newSyncer(ctx, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			g, ctx := errgroup.WithContext(ctx)
			for _, id := range args {
				sub := s.Subscribe(ctx, id)
				g.Go(func() error {
					defer sub.Close()
					for {
						select {
						case <-ctx.Done():
							return nil
						case snap, ok := <-sub.C:
							if !ok {
								return nil
							}
							printSnapshot(snap)
						}
					}
				})
			}
			if approvals {
				g.Go(func() error {
					err := s.WatchApprovals(ctx, func(items []domain.Workflow, err error) {
						if err != nil {
							logger.Warn("approvals refresh failed", zap.Error(err))
							return
						}
						ids := make([]string, 0, len(items))
						for _, wf := range items {
							ids = append(ids, wf.SubjectID)
						}
						fmt.Printf("%s pending approvals: %v\n", time.Now().Format(time.TimeOnly), ids)
					})
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&approvals, "approvals", false, "also watch pending approvals")
	return cmd
}

func printSnapshot(snap syncer.Snapshot) {
	ts := time.Now().Format(time.TimeOnly)
	switch {
	case !snap.Found && snap.Err == nil:
		fmt.Printf("%s %s: not started\n", ts, snap.SubjectID)
	case snap.Err != nil:
		fmt.Printf("%s %s: read failed: %v\n", ts, snap.SubjectID, snap.Err)
	default:
		pending := ""
		if snap.Pending {
			pending = " (unconfirmed)"
		}
		fmt.Printf("%s %s v%d: active=%s visible=%t%s\n", ts, snap.SubjectID, snap.Version, activeStep(snap.Workflow), snap.Workflow.IsVisible, pending)
	}
}

func remoteCmd() *cobra.Command {
	remote := &cobra.Command{
		Use:   "remote",
		Short: "Optimistic writes through the sync layer",
		Long:  "Remote commands validate locally, apply the change to the client cache and roll it back if the store does not acknowledge it within sync.write_timeout.",
	}
	remote.AddCommand(&cobra.Command{
		Use:   "advance <subject-id> <step> <status>",
		Short: "Advance a step through the syncer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSyncer(cmd.Context(), func(ctx context.Context, s *syncer.Syncer) error {
				wf, err := s.Advance(ctx, args[0], domain.StepID(args[1]), domain.StepStatus(args[2]))
				if err != nil {
					return err
				}
				return printWorkflow(wf)
			})
		},
	})
	remote.AddCommand(&cobra.Command{
		Use:   "visible <subject-id> <true|false>",
		Short: "Toggle supplier visibility through the syncer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			visible := args[1] == "true"
			if !visible && args[1] != "false" {
				return fmt.Errorf("visibility must be true or false")
			}
			return withSyncer(cmd.Context(), func(ctx context.Context, s *syncer.Syncer) error {
				wf, err := s.SetVisible(ctx, args[0], visible)
				if err != nil {
					return err
				}
				return printWorkflow(wf)
			})
		},
	})
	return remote
}

func withSyncer(ctx context.Context, fn func(context.Context, *syncer.Syncer) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	s, closeFn, err := newSyncer(ctx, logger)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, s)
}
