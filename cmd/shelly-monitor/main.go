package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"shelly-monitor/config"
	"shelly-monitor/internal/alert"
	"shelly-monitor/internal/api"
	"shelly-monitor/internal/archive"
	"shelly-monitor/internal/collector"
	"shelly-monitor/internal/influx"
	"shelly-monitor/internal/live"
	"shelly-monitor/internal/model"
	"shelly-monitor/internal/mqtt"
	"shelly-monitor/internal/notify"
	"shelly-monitor/internal/shelly"
	"shelly-monitor/internal/storage"
	"shelly-monitor/internal/syncer"
	"shelly-monitor/internal/transport"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "shelly-monitor",
		Short: "Shelly energy meter monitor",
		Long:  "Syncs Shelly energy history, polls live values and evaluates alert rules",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(readCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg.Logging)
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// resolveDevices probes every device configured with kind "auto".
func resolveDevices(ctx context.Context, cfg *config.Config, timeout time.Duration) ([]model.Device, error) {
	devices, err := cfg.ToDevices()
	if err != nil {
		return nil, err
	}

	for i, dc := range cfg.Devices {
		if !dc.AutoDetect() {
			continue
		}
		caps, err := shelly.Probe(ctx, devices[i].Host, timeout)
		if err != nil {
			log.Warn().Err(err).Str("device", devices[i].Key).Str("host", devices[i].Host).Msg("probe failed, device stays unknown")
			continue
		}
		devices[i] = caps.Apply(devices[i])
		log.Info().Str("device", devices[i].Key).Str("model", caps.Label()).
			Int("phases", caps.PhaseCount).Bool("history", caps.SupportsBulkHistory).Msg("device probed")
	}
	return devices, nil
}

func newSyncEngine(cfg *config.Config, api *shelly.API, db *storage.Database) (*syncer.Engine, error) {
	var store syncer.ChunkStore = db
	if cfg.Archive.Enabled {
		arc, err := archive.NewMinIO(cfg.Archive.Endpoint, cfg.Archive.AccessKey, cfg.Archive.SecretKey,
			cfg.Archive.UseTLS, cfg.Archive.Bucket, cfg.Archive.BasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to create archive client: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := arc.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to prepare archive bucket: %w", err)
		}
		store = syncer.Tee{db, arc}
		log.Info().Str("endpoint", cfg.Archive.Endpoint).Str("bucket", cfg.Archive.Bucket).Msg("raw chunk archive enabled")
	}
	return syncer.NewEngine(api, db, store, cfg.Download.Parallel), nil
}

func newDispatcher(ctx context.Context, cfg *config.Config, client *transport.Client, publisher *mqtt.Publisher) *notify.Dispatcher {
	channels := []notify.Channel{notify.LogChannel{}}

	if cfg.Notify.Telegram.Enabled {
		channels = append(channels, notify.NewTelegram(client, cfg.Notify.Telegram.APIBase,
			cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID))
	}
	if cfg.Notify.SNS.Enabled {
		sns, err := notify.NewSNS(ctx, cfg.Notify.SNS.Region, cfg.Notify.SNS.TopicArn)
		if err != nil {
			log.Warn().Err(err).Msg("SNS channel disabled")
		} else {
			channels = append(channels, sns)
		}
	}
	if cfg.Notify.MQTT.Enabled && publisher != nil && publisher.IsConnected() {
		channels = append(channels, notify.NewMQTTChannel(publisher))
	}

	d := notify.NewDispatcher(cfg.Notify.QueueSize, cfg.Notify.Workers, cfg.Notify.SendTimeout, channels...)
	log.Info().Strs("channels", d.Channels()).Msg("notification channels ready")
	return d
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the monitoring service",
		Long:  "Start live polling, alerting, auto-sync and the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			devices, err := resolveDevices(ctx, cfg, cfg.Download.Timeout)
			if err != nil {
				return fmt.Errorf("invalid device configuration: %w", err)
			}
			rules, err := cfg.ToRules()
			if err != nil {
				return fmt.Errorf("invalid alert configuration: %w", err)
			}
			loc, err := cfg.Location()
			if err != nil {
				return fmt.Errorf("invalid timezone: %w", err)
			}

			db, err := storage.NewDatabase(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			log.Info().Str("path", cfg.Database.Path).Msg("database opened")

			client := transport.NewClient(cfg.Transport())
			shellyAPI := shelly.NewAPI(client)

			engine, err := newSyncEngine(cfg, shellyAPI, db)
			if err != nil {
				db.Close()
				return err
			}

			// Create MQTT publisher
			publisher, err := mqtt.NewPublisher(mqtt.PublisherConfig{
				Broker:      cfg.MQTT.Broker,
				ClientID:    cfg.MQTT.ClientID,
				Username:    cfg.MQTT.Username,
				Password:    cfg.MQTT.Password,
				TopicPrefix: cfg.MQTT.TopicPrefix,
				AlertTopic:  cfg.Notify.MQTT.Topic,
				Enabled:     cfg.MQTT.Enabled,
			})
			if err != nil {
				log.Warn().Err(err).Msg("MQTT connection failed")
				publisher = nil
			} else if cfg.MQTT.Enabled && cfg.MQTT.Discovery {
				if err := publisher.PublishHomeAssistantDiscovery(devices); err != nil {
					log.Warn().Err(err).Msg("Home Assistant discovery failed")
				}
			}

			var writer *influx.Writer
			if cfg.Influx.Enabled {
				writer = influx.NewWriter(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket)
				log.Info().Str("url", cfg.Influx.URL).Str("bucket", cfg.Influx.Bucket).Msg("influx sink enabled")
			}

			dispatcher := newDispatcher(ctx, cfg, client, publisher)
			alerts := alert.NewEngine(rules, dispatcher, loc)

			modbusSource := shelly.NewModbusSource(cfg.Download.Timeout)
			defer modbusSource.Close()

			var poller *live.Poller
			var store *live.Store
			if cfg.Live.Enabled {
				source := &shelly.Router{HTTP: shelly.NewHTTPSource(shellyAPI), Modbus: modbusSource}
				poller = live.NewPoller(source, devices, cfg.Live.PollInterval, cfg.Live.MaxBackoff)
				store = live.NewStore(cfg.RetentionPoints(), cfg.Live.PollInterval)
				store.SetWindowMinutes(cfg.Live.WindowMinutes)
			}

			var autoSync time.Duration
			if cfg.AutoSync.Enabled {
				autoSync = cfg.AutoSync.Interval
			}

			hub := api.NewHub()
			go hub.Run(ctx)

			coll := collector.NewCollector(collector.CollectorConfig{
				Devices:          devices,
				Poller:           poller,
				Store:            store,
				Energy:           live.NewTodayEnergy(loc),
				Alerts:           alerts,
				Database:         db,
				Syncer:           engine,
				SyncOptions:      cfg.SyncOptions(),
				Publisher:        publisher,
				Influx:           writer,
				Broadcaster:      hub,
				AutoSyncInterval: autoSync,
			})
			coll.ApplyBaselines(devices)

			done := make(chan struct{})
			go func() {
				defer close(done)
				if err := coll.Start(ctx); err != nil {
					log.Error().Err(err).Msg("collector error")
				}
			}()

			var server *api.Server
			if cfg.API.Enabled {
				server = api.NewServer(api.ServerConfig{
					Port:      cfg.API.Port,
					Collector: coll,
					Hub:       hub,
					Switches:  shellyAPI,
				})

				go func() {
					if err := server.Start(); err != nil && err != http.ErrServerClosed {
						log.Error().Err(err).Msg("API server error")
					}
				}()
			}

			log.Info().Int("devices", len(devices)).Int("rules", len(rules)).Msg("Shelly Monitor started. Press Ctrl+C to stop.")

			<-ctx.Done()
			log.Info().Msg("shutting down")

			if server != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := server.Stop(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("API server shutdown")
				}
				shutdownCancel()
			}
			<-done
			dispatcher.Close()
			coll.Stop()

			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	var (
		deviceKeys []string
		from, to   string
		days       int
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download energy history once",
		Long:  "Download the bulk energy history of every device with history support and advance its cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			devices, err := resolveDevices(ctx, cfg, cfg.Download.Timeout)
			if err != nil {
				return fmt.Errorf("invalid device configuration: %w", err)
			}
			devices = filterDevices(devices, deviceKeys)
			if len(devices) == 0 {
				return fmt.Errorf("no matching devices")
			}

			opts := cfg.SyncOptions()
			if days > 0 {
				opts.FallbackLookbackDays = days
			}
			if from != "" || to != "" {
				rng, err := parseRange(from, to, time.Now())
				if err != nil {
					return err
				}
				opts.RangeOverride = &rng
			}
			opts.Progress = func(deviceKey string, done, total int, msg string) {
				log.Debug().Str("device", deviceKey).Msgf("[%d/%d] %s", done, total, msg)
			}

			db, err := storage.NewDatabase(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			engine, err := newSyncEngine(cfg, shelly.NewAPI(transport.NewClient(cfg.Transport())), db)
			if err != nil {
				return err
			}

			failed := 0
			for _, r := range engine.SyncAll(ctx, devices, opts) {
				if !r.Skipped {
					if err := db.SaveRunLog(r); err != nil {
						log.Warn().Err(err).Str("device", r.DeviceKey).Msg("failed to save sync log")
					}
				}
				if r.Err != nil {
					failed++
				}
				fmt.Printf("%-20s %s\n", r.DeviceName, r.Summary())
			}

			if failed > 0 {
				return fmt.Errorf("%d device(s) failed to sync", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&deviceKeys, "device", "d", nil, "device keys to sync (default: all)")
	cmd.Flags().StringVar(&from, "from", "", "range start (RFC3339 or unix seconds)")
	cmd.Flags().StringVar(&to, "to", "", "range end (RFC3339 or unix seconds, default now)")
	cmd.Flags().IntVar(&days, "days", 0, "lookback days for devices without a cursor")
	return cmd
}

func probeCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "probe <host>",
		Short: "Detect the capabilities of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(config.LoggingConfig{Level: "info"})

			caps, err := shelly.Probe(cmd.Context(), args[0], timeout)
			if err != nil {
				return err
			}

			output, _ := json.MarshalIndent(caps, "", "  ")
			fmt.Println(string(output))
			fmt.Printf("\n%s\n", caps.Label())
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "per-request timeout")
	return cmd
}

func readCmd() *cobra.Command {
	var deviceKeys []string

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read live values once",
		Long:  "Read the current live values of the configured devices once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			devices, err := resolveDevices(ctx, cfg, cfg.Download.Timeout)
			if err != nil {
				return fmt.Errorf("invalid device configuration: %w", err)
			}
			devices = filterDevices(devices, deviceKeys)

			modbusSource := shelly.NewModbusSource(cfg.Download.Timeout)
			defer modbusSource.Close()
			source := &shelly.Router{
				HTTP:   shelly.NewHTTPSource(shelly.NewAPI(transport.NewClient(cfg.Transport()))),
				Modbus: modbusSource,
			}

			out := make(map[string]any, len(devices))
			for _, dev := range devices {
				s, err := source.Fetch(ctx, dev, time.Now().Unix())
				if err != nil {
					out[dev.Key] = map[string]string{"error": err.Error()}
					continue
				}
				out[dev.Key] = s
			}

			output, _ := json.MarshalIndent(out, "", "  ")
			fmt.Println(string(output))
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&deviceKeys, "device", "d", nil, "device keys to read (default: all)")
	return cmd
}

func filterDevices(devices []model.Device, keys []string) []model.Device {
	if len(keys) == 0 {
		return devices
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	var out []model.Device
	for _, d := range devices {
		if want[d.Key] {
			out = append(out, d)
		}
	}
	return out
}

func parseRange(from, to string, now time.Time) (model.TimeRange, error) {
	end := now.Unix()
	if to != "" {
		ts, err := parseTime(to)
		if err != nil {
			return model.TimeRange{}, fmt.Errorf("invalid --to: %w", err)
		}
		end = ts
	}
	if from == "" {
		return model.TimeRange{}, fmt.Errorf("--from is required with --to")
	}
	start, err := parseTime(from)
	if err != nil {
		return model.TimeRange{}, fmt.Errorf("invalid --from: %w", err)
	}
	if end <= start {
		end = start + 1
	}
	return model.TimeRange{Start: start, End: end}, nil
}

func parseTime(s string) (int64, error) {
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ts, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}
