// Command gatewayd runs the energy-management gateway: it loads a
// channel/instance manifest, brings up the store, routing cache,
// protocol channels, model instances, dispatcher, and keyspace
// reconciler, then serves until it receives a shutdown signal.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/voltage-ems/core/combase"
	"github.com/voltage-ems/core/config"
	"github.com/voltage-ems/core/dispatch"
	"github.com/voltage-ems/core/keyspace"
	"github.com/voltage-ems/core/model"
	"github.com/voltage-ems/core/protocol"
	"github.com/voltage-ems/core/protocol/can"
	"github.com/voltage-ems/core/protocol/iec104"
	"github.com/voltage-ems/core/protocol/modbus"
	"github.com/voltage-ems/core/reconciler"
	"github.com/voltage-ems/core/routing"
	"github.com/voltage-ems/core/store"
	"github.com/voltage-ems/core/telemetry"
	"github.com/voltage-ems/core/timeseries"
	"github.com/voltage-ems/core/transport"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gatewayd",
	Short: "runs the energy-management gateway",
	Run:   runGateway,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.gatewayd.yaml, ./.gatewayd.yaml)")
	rootCmd.PersistentFlags().String("manifest", "", "path to the channel/instance manifest YAML")
	rootCmd.PersistentFlags().String("store-url", "", "store connection URL")
	viper.BindPFlag("manifest_path", rootCmd.PersistentFlags().Lookup("manifest"))
	viper.BindPFlag("store_url", rootCmd.PersistentFlags().Lookup("store-url"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".gatewayd")
	}
	viper.SetEnvPrefix("GATEWAYD")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("using config file:", viper.ConfigFileUsed())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// runGateway wires and starts every gateway component, then blocks
// until SIGINT/SIGTERM, tearing them down in reverse dependency order.
func runGateway(cmd *cobra.Command, args []string) {
	logger := telemetry.ServiceLogger("gatewayd", "main")

	gwCfg := config.LoadGatewayConfig("GATEWAYD")
	if v := viper.GetString("manifest_path"); v != "" {
		gwCfg.ManifestPath = v
	}
	if v := viper.GetString("store_url"); v != "" {
		gwCfg.StoreURL = v
	}
	if err := gwCfg.Validate(); err != nil {
		logger.WithError(err).Warn("invalid gateway configuration")
		os.Exit(1)
	}

	manifest, err := config.LoadManifest(gwCfg.ManifestPath)
	if err != nil {
		logger.WithError(err).Warn("failed to load manifest")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ks := keyspace.Production()

	st, err := store.Open(ctx, store.Config{
		URL:              gwCfg.StoreURL,
		ReconnectInitial: gwCfg.ReconnectInitial,
		ReconnectMax:     gwCfg.ReconnectMax,
	})
	if err != nil {
		logger.WithError(err).Warn("failed to open store")
		os.Exit(1)
	}
	defer st.Close()

	routeCache := routing.New(st, ks)
	if err := routeCache.Reload(ctx); err != nil {
		logger.WithError(err).Warn("failed initial route table load")
		os.Exit(1)
	}
	stopRefresh := watchRouteRefresh(ctx, st, ks, routeCache, logger)
	defer stopRefresh()

	channels, err := buildChannels(manifest, st, ks, routeCache)
	if err != nil {
		logger.WithError(err).Warn("failed to build channels")
		os.Exit(1)
	}

	dispatchers := make([]*dispatch.Dispatcher, 0, len(channels))
	for id, ch := range channels {
		d := dispatch.New(id, st, ks, ch, dispatch.Config{})
		dispatchers = append(dispatchers, d)
	}

	series := timeseries.NewCalculator(st, ks)
	manager := model.NewManager()
	for _, inst := range manifest.Instances {
		if _, err := manager.Add(model.Config{
			Spec:     inst.ModelSpec(),
			Store:    st,
			Keyspace: ks,
			Routing:  routeCache,
			Series:   series,
		}); err != nil {
			logger.WithError(err).Warn("failed to compile model instance")
			os.Exit(1)
		}
	}

	recon := reconciler.New(st, ks, manifest, gwCfg.ReconcileInterval)

	for id, ch := range channels {
		if err := ch.Start(ctx); err != nil {
			logger.WithError(err).Warn("failed to start channel")
			os.Exit(1)
		}
		logger.WithField("channel_id", id).Info("channel started")
	}
	for _, d := range dispatchers {
		d.Start()
	}
	if err := manager.Start(ctx); err != nil {
		logger.WithError(err).Warn("failed to start model instances")
		os.Exit(1)
	}
	recon.Start(ctx)

	logger.WithField("channel_count", len(channels)).
		WithField("instance_count", manager.Len()).
		Info("gateway started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	recon.Stop()
	manager.Stop()
	for _, d := range dispatchers {
		d.Stop()
	}
	for id, ch := range channels {
		if err := ch.Stop(); err != nil {
			logger.WithField("channel_id", id).WithError(err).Warn("error stopping channel")
		}
	}
}

// watchRouteRefresh subscribes to the keyspace's configuration-refresh
// notification and reloads the route cache whenever config management
// (or an operator) publishes one, since routing.Cache has no built-in
// auto-reload.
func watchRouteRefresh(ctx context.Context, st *store.Store, ks keyspace.Config, cache *routing.Cache, logger *telemetry.ContextLogger) func() {
	subCtx, cancel := context.WithCancel(ctx)
	events, err := st.Subscribe(subCtx, ks.ConfigRefreshChannel())
	if err != nil {
		logger.WithError(err).Warn("failed to subscribe to config refresh channel")
		cancel()
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range events {
			if err := cache.Reload(ctx); err != nil {
				logger.WithError(err).Warn("route table reload failed")
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// buildChannels constructs and wires a combase.Channel for every
// manifest channel, dispatching on protocol to build the matching
// transport-bound driver.
func buildChannels(manifest *config.Manifest, st *store.Store, ks keyspace.Config, routeCache *routing.Cache) (map[uint16]*combase.Channel, error) {
	out := make(map[uint16]*combase.Channel, len(manifest.Channels))
	for _, mc := range manifest.Channels {
		if !mc.Enabled {
			continue
		}
		link, err := transport.NewTransport(mc.TransportConfig())
		if err != nil {
			return nil, fmt.Errorf("channel %d: build transport: %w", mc.ID, err)
		}

		driver, err := buildDriver(mc, link)
		if err != nil {
			return nil, fmt.Errorf("channel %d: build driver: %w", mc.ID, err)
		}

		points := combase.NewPointManager(mc.PollingPoints())
		ch := combase.New(combase.Config{
			ChannelID: mc.ID,
			Protocol:  mc.Protocol,
			Driver:    driver,
			Points:    points,
			Store:     st,
			Keyspace:  ks,
			Routing:   routeCache,
		})
		out[mc.ID] = ch
	}
	return out, nil
}

func buildDriver(mc config.ManifestChannel, link transport.Transport) (protocol.Driver, error) {
	switch mc.Protocol {
	case "modbus":
		return modbus.New(link, mc.ModbusPoints(), modbus.Config{}), nil
	case "iec104":
		return iec104.New(link, mc.IEC104Points(), iec104.Config{}), nil
	case "can":
		return can.New(link, mc.CANPoints(), can.Config{}), nil
	default:
		return nil, fmt.Errorf("unsupported protocol %q", mc.Protocol)
	}
}
