package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/chatroom/internal/config"
	"github.com/MarcoPoloResearchLab/chatroom/internal/database"
	"github.com/MarcoPoloResearchLab/chatroom/internal/logging"
	"github.com/MarcoPoloResearchLab/chatroom/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatroom-server",
		Short: "Reference chat room server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("uploads-dir", defaults.GetString("uploads.dir"), "Directory for public uploads")
	cmd.PersistentFlags().String("viewonce-dir", defaults.GetString("viewonce.dir"), "Directory for view-once uploads")
	cmd.PersistentFlags().String("database-path", defaults.GetString("server.database_path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (console, json)")

	bindings := []config.FlagBinding{
		{Key: "http.address", Flag: "http-address"},
		{Key: "uploads.dir", Flag: "uploads-dir"},
		{Key: "viewonce.dir", Flag: "viewonce-dir"},
		{Key: "server.database_path", Flag: "database-path"},
		{Key: "log.level", Flag: "log-level"},
		{Key: "log.format", Flag: "log-format"},
	}
	if err := config.BindFlags(viper.GetViper(), cmd.PersistentFlags(), bindings); err != nil {
		panic(err)
	}
}

func initConfig() error {
	return config.ReadConfigFile(viper.GetViper(), cfgFile)
}

func runServer(ctx context.Context) error {
	serverConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(serverConfig.LogLevel, serverConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	gin.SetMode(gin.ReleaseMode)

	db, err := database.OpenSQLite(serverConfig.DatabasePath, server.ViewOnceSchema(), logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	viewOnceStore, err := server.NewViewOnceStore(server.ViewOnceStoreConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Hub:         server.NewRoomHub(logger),
		ViewOnce:    viewOnceStore,
		UploadsDir:  serverConfig.UploadsDir,
		ViewOnceDir: serverConfig.ViewOnceDir,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              serverConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", serverConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
