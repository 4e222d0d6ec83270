package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/events"
	"github.com/go-go-golems/marionette/pkg/prompt"
	"github.com/go-go-golems/marionette/pkg/providers"
	"github.com/go-go-golems/marionette/pkg/providers/factory"
	"github.com/go-go-golems/marionette/pkg/server"
	"github.com/go-go-golems/marionette/pkg/streams"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the conversation server",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "localhost:3700", "Listen address")
	cmd.Flags().String("db", "", "SQLite database path (empty: in-memory store)")
	cmd.Flags().String("providers-config", "", "Provider settings YAML file")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	dbPath, _ := cmd.Flags().GetString("db")
	providersPath, _ := cmd.Flags().GetString("providers-config")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store conversation.Store
	if dbPath != "" {
		sqlStore, err := conversation.NewSQLiteStore(dbPath)
		if err != nil {
			return errors.Wrapf(err, "failed to open database %s", dbPath)
		}
		defer func() { _ = sqlStore.Close() }()
		store = sqlStore
		log.Info().Str("db", dbPath).Msg("using sqlite store")
	} else {
		store = conversation.NewMemoryStore()
		log.Info().Msg("using in-memory store, conversations are lost on exit")
	}

	settings, err := loadProviderSettings(providersPath)
	if err != nil {
		return err
	}

	router, err := events.NewEventRouter(events.WithVerbose(viper.GetBool("verbose")))
	if err != nil {
		return errors.Wrap(err, "failed to create event router")
	}
	defer func() { _ = router.Close() }()

	manager := streams.NewManager(
		store,
		prompt.NewTreeAssembler(store),
		factory.NewStandardEngineFactory(),
		settings,
		events.NewWatermillSink(router.Publisher),
	)

	hub := server.NewHub(router.Subscriber, manager)
	srv := server.NewServer(addr, store, manager, hub)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.Run(ctx)
	})

	err = eg.Wait()

	// sweep in-flight streams so partial content is persisted before exit
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	manager.Shutdown(shutdownCtx)

	return err
}

func loadProviderSettings(path string) (*providers.Settings, error) {
	settings := providers.NewSettings()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open provider settings %s", path)
		}
		defer func() { _ = f.Close() }()
		settings, err = providers.NewSettingsFromYAML(f)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse provider settings %s", path)
		}
	}

	if key := viper.GetString("openai-api-key"); key != "" {
		settings.API.APIKeys["openai-api-key"] = key
	}
	if baseURL := viper.GetString("ollama-base-url"); baseURL != "" {
		settings.API.BaseUrls["ollama-base-url"] = baseURL
	}
	return settings, nil
}
