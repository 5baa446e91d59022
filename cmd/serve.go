package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mf-intel/internal/api"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve dataset versions over HTTP",
	Long:  "Starts the read-only API: GET /versions, /versions/{ref} and /versions/{ref}/facts/{geography}.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		cfg.Server.Port = port
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.NewRouter(env.writer, api.Options{AllowedOrigins: cfg.Server.AllowedOrigins}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port), zap.String("driver", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
