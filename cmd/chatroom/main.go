package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/chatroom/internal/config"
	"github.com/MarcoPoloResearchLab/chatroom/internal/database"
	"github.com/MarcoPoloResearchLab/chatroom/internal/logging"
	"github.com/MarcoPoloResearchLab/chatroom/internal/prefs"
	"github.com/MarcoPoloResearchLab/chatroom/internal/reveal"
	"github.com/MarcoPoloResearchLab/chatroom/internal/session"
	"github.com/MarcoPoloResearchLab/chatroom/internal/transport"
	"github.com/MarcoPoloResearchLab/chatroom/internal/upload"
)

const privacyNotice = `Messages you send are relayed to everyone in the room and are not stored by the client.
View-once media can be opened a single time; after that the server deletes it.
Your username and this acknowledgement are kept in the local preferences database.`

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "chatroom",
		Short:        "Terminal client for real-time chat rooms",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newLoginCommand(), newLogoutCommand(), newPrivacyCommand(), newJoinCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Chat server base URL (http or https)")
	cmd.PersistentFlags().Duration("connect-timeout", defaults.GetDuration("connect.timeout"), "Time allowed to open a room connection")
	cmd.PersistentFlags().Duration("http-timeout", defaults.GetDuration("http.timeout"), "Timeout for uploads and view-once fetches")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database for local preferences")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (console, json)")

	bindings := []config.FlagBinding{
		{Key: "server.url", Flag: "server-url"},
		{Key: "connect.timeout", Flag: "connect-timeout"},
		{Key: "http.timeout", Flag: "http-timeout"},
		{Key: "database.path", Flag: "database-path"},
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

// clientRuntime holds what every subcommand needs. Close releases it.
type clientRuntime struct {
	config config.ClientConfig
	logger *zap.Logger
	prefs  *prefs.Store
	close  func()
}

func openRuntime() (*clientRuntime, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(clientConfig.LogLevel, clientConfig.LogFormat)
	if err != nil {
		return nil, err
	}
	db, err := database.OpenSQLite(clientConfig.DatabasePath, prefs.Schema(), logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	store, err := prefs.NewStore(prefs.StoreConfig{Database: db})
	if err != nil {
		_ = database.Close(db)
		_ = logger.Sync()
		return nil, err
	}
	return &clientRuntime{
		config: clientConfig,
		logger: logger,
		prefs:  store,
		close: func() {
			_ = database.Close(db)
			_ = logger.Sync()
		},
	}, nil
}

func newLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login <username>",
		Short: "Store the username used to join rooms",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := openRuntime()
			if err != nil {
				return err
			}
			defer runtime.close()

			identity, err := session.NewIdentity(args[0])
			if err != nil {
				return err
			}
			if err := runtime.prefs.SaveIdentity(cmd.Context(), identity); err != nil {
				return err
			}
			cmd.Printf("Logged in as %s\n", identity.Username)
			return nil
		},
	}
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored username",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := openRuntime()
			if err != nil {
				return err
			}
			defer runtime.close()

			if err := runtime.prefs.ClearIdentity(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("Logged out")
			return nil
		},
	}
}

func newPrivacyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "privacy",
		Short: "Show and accept the privacy notice",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := openRuntime()
			if err != nil {
				return err
			}
			defer runtime.close()

			cmd.Println(privacyNotice)
			if err := runtime.prefs.AcknowledgePrivacy(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("Privacy notice accepted.")
			return nil
		},
	}
}

func newJoinCommand() *cobra.Command {
	var username string
	var revealDir string
	joinCmd := &cobra.Command{
		Use:   "join <room>",
		Short: "Join a room and chat interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := openRuntime()
			if err != nil {
				return err
			}
			defer runtime.close()
			return runJoin(cmd, runtime, args[0], username, revealDir)
		},
	}
	joinCmd.Flags().StringVar(&username, "as", "", "Join with this username instead of the stored login")
	joinCmd.Flags().StringVar(&revealDir, "reveal-dir", "", "Directory for revealed view-once files (system temp dir by default)")
	return joinCmd
}

func runJoin(cmd *cobra.Command, runtime *clientRuntime, room, username, revealDir string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity, err := resolveIdentity(ctx, runtime.prefs, username)
	if err != nil {
		return err
	}

	acknowledged, err := runtime.prefs.PrivacyAcknowledged(ctx)
	if err != nil {
		return err
	}
	if !acknowledged {
		cmd.Println(privacyNotice)
		if err := runtime.prefs.AcknowledgePrivacy(ctx); err != nil {
			return err
		}
	}

	httpClient := &http.Client{Timeout: runtime.config.HTTPTimeout}
	fetcher, err := reveal.NewHTTPFetcher(reveal.HTTPFetcherConfig{BaseURL: runtime.config.ServerURL, HTTPClient: httpClient})
	if err != nil {
		return err
	}
	coordinator, err := upload.NewCoordinator(upload.CoordinatorConfig{
		BaseURL:    runtime.config.ServerURL,
		HTTPClient: httpClient,
		Logger:     runtime.logger,
	})
	if err != nil {
		return err
	}

	notifier := newTerminalNotifier(cmd.OutOrStdout())
	chatSession, err := session.New(session.Config{
		ServerURL:      runtime.config.ServerURL,
		Transport:      transport.NewDialer(transport.DialerConfig{HandshakeTimeout: runtime.config.ConnectTimeout, Logger: runtime.logger}),
		Fetcher:        fetcher,
		Handles:        reveal.TempFileHandles(revealDir),
		Notifier:       notifier,
		ConnectTimeout: runtime.config.ConnectTimeout,
		Logger:         runtime.logger,
	})
	if err != nil {
		return err
	}
	defer chatSession.Shutdown()

	if err := chatSession.Join(ctx, room, identity); err != nil {
		if errors.Is(err, session.ErrConnectTimeout) || errors.Is(err, session.ErrTransport) {
			return fmt.Errorf("could not connect to %s: %w", runtime.config.ServerURL, err)
		}
		return err
	}
	cmd.Println("Type /help for commands.")

	input := newConsole(notifier, chatSession, coordinator, runtime.logger)
	inputDone := make(chan error, 1)
	go func() {
		inputDone <- input.run(ctx, cmd.InOrStdin())
	}()

	select {
	case err := <-inputDone:
		return err
	case <-notifier.Closed():
		return nil
	case <-ctx.Done():
		return nil
	}
}

func resolveIdentity(ctx context.Context, store *prefs.Store, username string) (session.Identity, error) {
	if username != "" {
		return session.NewIdentity(username)
	}
	identity, err := store.Identity(ctx)
	if errors.Is(err, prefs.ErrIdentityNotFound) {
		return session.Identity{}, fmt.Errorf("no stored username: run `chatroom login <username>` or pass --as")
	}
	return identity, err
}
