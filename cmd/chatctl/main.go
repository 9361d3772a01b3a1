package main

import (
	"context"
	"fmt"
	"os"

	"matchchat/internal/client"
	"matchchat/internal/infrastructure/database"
	"matchchat/internal/offline"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "chatctl",
	Short:         "matchchat client",
	Long:          "Command-line client for matchchat.\nQueues outgoing messages locally and delivers them when the server is reachable.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.matchchat/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log client activity to stderr")
}

func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	return client.DefaultConfigPath()
}

func loadConfig() (*client.Config, string, error) {
	path, err := configPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := client.LoadConfig(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// clientEnv is everything a command needs to talk to the server.
type clientEnv struct {
	cfg    *client.Config
	logger *zap.Logger
	db     *database.Database
	rest   *client.RESTClient
	queue  *offline.Manager
}

func openEnv() (*clientEnv, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Token == "" || cfg.UserID == "" {
		return nil, fmt.Errorf("not signed in, run 'chatctl init' first")
	}

	logger := newLogger()
	db, err := database.NewDatabase("sqlite", cfg.QueuePath, logger)
	if err != nil {
		return nil, err
	}
	store, err := offline.NewSQLiteStore(db.DB)
	if err != nil {
		db.Close()
		return nil, err
	}

	rest := client.NewRESTClient(cfg.Server, cfg.Token, nil)
	return &clientEnv{
		cfg:    cfg,
		logger: logger,
		db:     db,
		rest:   rest,
		queue:  offline.NewManager(store, rest, cfg.UserID, logger),
	}, nil
}

func (e *clientEnv) Close() {
	e.logger.Sync()
	e.db.Close()
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
