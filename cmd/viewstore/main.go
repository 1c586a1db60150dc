// viewstore keeps map/reduce views over a document store and serves their
// health over gRPC
package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nainya/viewstore/internal/config"
	"github.com/nainya/viewstore/internal/logger"
	"github.com/nainya/viewstore/internal/metrics"
	"github.com/nainya/viewstore/pkg/catalog"
	"github.com/nainya/viewstore/pkg/coordinator"
	"github.com/nainya/viewstore/pkg/docstore"
	"github.com/nainya/viewstore/pkg/query"
	"github.com/nainya/viewstore/pkg/view"
)

// app holds everything a command needs
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    docstore.Store
	views    *view.Registry
	coord    *coordinator.Coordinator
	engine   *query.Engine
}

func openStore(cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (docstore.Store, error) {
	if cfg.Backend == config.BackendMemory {
		return docstore.NewMemStore(), nil
	}
	return docstore.OpenPebble(cfg.DataDir, docstore.PebbleOptions{
		CacheSizeMB: cfg.Store.CacheSize,
		Logger:      log,
		Metrics:     m,
	})
}

func loadViews(cfg *config.Config) (*view.Registry, error) {
	views := view.NewRegistry()
	if err := catalog.Register(views); err != nil {
		return nil, err
	}
	if cfg.ViewsFile == "" {
		return views, nil
	}
	specs, err := view.LoadPathSpecs(cfg.ViewsFile)
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		def, err := spec.Definition()
		if err != nil {
			return nil, err
		}
		if err := views.Register(def); err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.ViewsFile, err)
		}
	}
	return views, nil
}

func newApp(cfg *config.Config) (*app, error) {
	lc := cfg.Logger()
	lc.Output = os.Stderr
	logger.InitGlobalLogger(lc)
	log := logger.GetGlobalLogger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	views, err := loadViews(cfg)
	if err != nil {
		return nil, fmt.Errorf("load views: %w", err)
	}
	store, err := openStore(cfg, log, m)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	coord := coordinator.New(store, views, coordinator.Config{
		Retry:   cfg.Retry(),
		Workers: cfg.Sync.Workers,
		Logger:  log,
		Metrics: m,
	})
	engine, err := query.NewEngine(views, coord, store, query.Config{
		SyncTimeout: cfg.Sync.Timeout,
		CacheSize:   cfg.Query.CacheSize,
		Logger:      log,
		Metrics:     m,
	})
	if err != nil {
		coord.Close()
		store.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		log:      log,
		registry: reg,
		metrics:  m,
		store:    store,
		views:    views,
		coord:    coord,
		engine:   engine,
	}, nil
}

func (a *app) Close() error {
	a.coord.Close()
	return a.store.Close()
}

// cli carries the configuration shared by every command
type cli struct {
	v *viper.Viper
}

func (c *cli) app(cmd *cobra.Command) (*app, error) {
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(c.v, file)
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}

func newRootCommand() *cobra.Command {
	c := &cli{v: config.New()}
	root := &cobra.Command{
		Use:   "viewstore",
		Short: "Materialized map/reduce views over a document store",
		Long: `viewstore indexes documents into sorted views and answers range,
paging and reduce queries against them.

Configuration sources, highest precedence first:
  1. Command line flags
  2. Environment variables (VIEWSTORE_*, e.g. VIEWSTORE_SYNC_TIMEOUT)
  3. Config file (--config, VIEWSTORE_CONFIG or ./viewstore.yaml)
  4. Defaults`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.BindFlags(c.v, cmd.Flags())
		},
	}
	config.AddFlags(root.PersistentFlags())

	root.AddCommand(
		c.serveCommand(),
		c.loadCommand(),
		c.attachCommand(),
		c.syncCommand(),
		c.queryCommand(),
		c.viewsCommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
