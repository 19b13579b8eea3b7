package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/attachments"
	"github.com/MarcoPoloResearchLab/compliance-store/internal/auth"
	"github.com/MarcoPoloResearchLab/compliance-store/internal/checksum"
	"github.com/MarcoPoloResearchLab/compliance-store/internal/config"
	"github.com/MarcoPoloResearchLab/compliance-store/internal/database"
	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore"
	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore/couchdb"
	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore/sqlstore"
	"github.com/MarcoPoloResearchLab/compliance-store/internal/logging"
	"github.com/MarcoPoloResearchLab/compliance-store/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "compliance-store",
		Short: "Compliance portal document and attachment service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newDatabaseCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("store-driver", defaults.GetString("store.driver"), "Document store driver (sqlite, couchdb)")
	cmd.PersistentFlags().String("store-database", defaults.GetString("store.database"), "Database holding portal documents")
	cmd.PersistentFlags().String("sqlite-path", defaults.GetString("sqlite.path"), "SQLite database path")
	cmd.PersistentFlags().String("couchdb-url", defaults.GetString("couchdb.url"), "CouchDB base URL")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "store.driver", "store-driver")
	bindFlag(cmd, "store.database", "store-database")
	bindFlag(cmd, "sqlite.path", "sqlite-path")
	bindFlag(cmd, "couchdb.url", "couchdb-url")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newDatabaseCommand() *cobra.Command {
	databaseCmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the portal database",
	}
	databaseCmd.AddCommand(
		&cobra.Command{
			Use:   "ensure",
			Short: "Create the database and publish the attachment views",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd.Context(), func(ctx context.Context, store *storeHandles) error {
					return store.ensure(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "drop",
			Short: "Delete the database with every document and attachment",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd.Context(), func(ctx context.Context, store *storeHandles) error {
					if err := store.conn.DeleteDatabase(ctx, store.database); err != nil {
						return err
					}
					store.logger.Info("database dropped", zap.String("database", store.database))
					return nil
				})
			},
		},
	)
	return databaseCmd
}

func newTokenCommand() *cobra.Command {
	var (
		email string
		roles []string
		ttl   time.Duration
	)
	tokenCmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a session token for a service account or operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(viper.GetString("auth.signing_secret"))
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(secret),
				Issuer:        viper.GetString("auth.issuer"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(args[0], email, roles)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires %s\n", token, expiresAt.Format(time.RFC3339))
			return err
		},
	}
	tokenCmd.Flags().StringVar(&email, "email", "", "Email claim of the token")
	tokenCmd.Flags().StringSliceVar(&roles, "role", nil, "Role claims of the token")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 30*time.Minute, "Token lifetime")
	return tokenCmd
}

// storeHandles groups the store objects shared by every command.
type storeHandles struct {
	conn     *docstore.Connection
	database string
	contents *attachments.ContentRepository
	owners   *attachments.OwnershipResolver
	logger   *zap.Logger
}

func (s *storeHandles) ensure(ctx context.Context) error {
	if err := s.conn.EnsureDatabaseExists(ctx, s.database); err != nil {
		return err
	}
	if err := s.contents.EnsureViews(ctx); err != nil {
		return err
	}
	return s.owners.EnsureViews(ctx)
}

func withStore(ctx context.Context, run func(context.Context, *storeHandles) error) error {
	appConfig := config.LoadStore(viper.GetViper())
	if err := appConfig.ValidateStore(); err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := openStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer store.conn.Close()
	return run(ctx, store)
}

func openStore(appConfig config.AppConfig, logger *zap.Logger) (*storeHandles, error) {
	var backend docstore.Backend
	switch appConfig.StoreDriver {
	case config.DriverCouchDB:
		client, err := couchdb.New(couchdb.Config{
			BaseURL:  appConfig.CouchDBURL,
			Username: appConfig.CouchDBUsername,
			Password: appConfig.CouchDBPassword,

			ConnectTimeout:  appConfig.CouchDBConnectTimeout,
			ResponseTimeout: appConfig.CouchDBResponseTimeout,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		backend = client
	default:
		db, err := database.OpenSQLite(appConfig.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		store, err := sqlstore.New(sqlstore.Config{Database: db, Logger: logger})
		if err != nil {
			return nil, err
		}
		backend = store
	}

	conn, err := docstore.NewConnection(docstore.ConnectionConfig{
		Backend:    backend,
		Serializer: docstore.NewSerializer(attachments.CheckStatusHook()),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	contents, err := attachments.NewContentRepository(conn, appConfig.StoreDatabase)
	if err != nil {
		return nil, err
	}
	owners, err := attachments.NewOwnershipResolver(conn, appConfig.StoreDatabase)
	if err != nil {
		return nil, err
	}
	return &storeHandles{
		conn:     conn,
		database: appConfig.StoreDatabase,
		contents: contents,
		owners:   owners,
		logger:   logger,
	}, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := openStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer store.conn.Close()
	if err := store.ensure(ctx); err != nil {
		return err
	}

	events := server.NewUploadEvents()
	connector, err := attachments.NewStreamConnector(attachments.ConnectorConfig{
		Contents: store.contents,
		Fetcher: attachments.NewHTTPFetcher(attachments.HTTPFetcherConfig{
			ConnectTimeout: appConfig.RemoteConnectTimeout,
			ReadTimeout:    appConfig.RemoteReadTimeout,
		}),
		OnPersistFailure: events.PersistFailed,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	checksums, err := checksum.NewService(checksum.ServiceConfig{Source: connector, Logger: logger})
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
		AdminRole:     appConfig.AuthAdminRole,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessions,
		Connector:      connector,
		Contents:       store.contents,
		Owners:         store.owners,
		Checksums:      checksums,
		Events:         events,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_driver", appConfig.StoreDriver))
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
