// Package main provides the entry point for trafegodns.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/trafegodns/trafegodns/internal/bus"
	"github.com/trafegodns/trafegodns/internal/config"
	"github.com/trafegodns/trafegodns/internal/health"
	"github.com/trafegodns/trafegodns/internal/intent"
	"github.com/trafegodns/trafegodns/internal/ipdetect"
	"github.com/trafegodns/trafegodns/internal/metrics"
	"github.com/trafegodns/trafegodns/internal/orphan"
	"github.com/trafegodns/trafegodns/internal/provider"
	"github.com/trafegodns/trafegodns/internal/provider/cloudflare"
	"github.com/trafegodns/trafegodns/internal/provider/rfc2136"
	"github.com/trafegodns/trafegodns/internal/reconciler"
	"github.com/trafegodns/trafegodns/internal/secret"
	"github.com/trafegodns/trafegodns/internal/source"
	"github.com/trafegodns/trafegodns/internal/source/docker"
	"github.com/trafegodns/trafegodns/internal/source/traefik"
	"github.com/trafegodns/trafegodns/internal/storage"
	"github.com/trafegodns/trafegodns/internal/tunnel"
	"github.com/trafegodns/trafegodns/internal/types"
	"github.com/trafegodns/trafegodns/internal/version"
	"github.com/trafegodns/trafegodns/pkg/labels"
)

func main() {
	// Parse CLI flags
	configPath := flag.StringP("config", "c", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("trafegodns %s\n", version.String())
		os.Exit(0)
	}

	// Setup logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Configure log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure log format
	if cfg.LogFormat == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "3:04:05PM",
		})
	}

	log.Info().
		Str("version", version.Version).
		Str("operation_mode", string(cfg.OperationMode)).
		Msg("Starting trafegodns")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal, gracefully shutting down...")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("Runtime error")
	}

	log.Info().Msg("Trafegodns stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	// Initialize storage
	store, err := storage.NewSQLiteStorage(cfg.Db.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Initialize(ctx); err != nil {
		return err
	}
	log.Info().Str("path", cfg.Db.Path).Msg("Storage initialized")

	// Event bus
	b := bus.New(256)
	defer b.Close()
	b.SubscribeAll(metrics.Observer)
	metrics.SetBuildInfo(version.Version)

	// Provider registry
	registry := provider.NewRegistry()
	registry.SetMode(provider.RoutingMode(cfg.DNS.RoutingMode), cfg.DNS.MultiProviderSameZone)

	if err := buildProviders(ctx, cfg, registry); err != nil {
		return err
	}
	if err := persistProviders(ctx, cfg, store); err != nil {
		log.Warn().Err(err).Msg("Failed to persist provider configurations")
	}

	// Public IP detection
	detector := ipdetect.New(ipdetect.Config{
		StaticIPv4:  cfg.IP.StaticIPv4,
		StaticIPv6:  cfg.IP.StaticIPv6,
		IPv4URL:     cfg.IP.IPv4URL,
		IPv6URL:     cfg.IP.IPv6URL,
		CacheTTL:    cfg.IP.RefreshInterval,
		DisableIPv6: cfg.IP.DisableIPv6,
	})

	// Docker connection. Direct mode observes it; traefik mode uses it
	// for container labels and the event stream.
	dockerSrc := docker.New(docker.Config{
		Endpoint:    cfg.Docker.Endpoint,
		FilterLabel: cfg.Docker.FilterLabel,
		TLS: docker.TLSConfig{
			CA:   cfg.Docker.TLS.CA,
			Cert: cfg.Docker.TLS.Cert,
			Key:  cfg.Docker.TLS.Key,
		},
		SSH: docker.SSHConfig{
			Key:           cfg.Docker.SSH.Key,
			KeyPassphrase: cfg.Docker.SSH.KeyPassphrase,
		},
	})
	if err := dockerSrc.Connect(ctx); err != nil {
		return err
	}
	defer dockerSrc.Close()
	log.Info().Str("endpoint", cfg.Docker.Endpoint).Msg("Docker connected")

	// Hostname source per operation mode
	var src source.Source = dockerSrc
	if cfg.OperationMode == config.ModeTraefik {
		traefikSrc := traefik.New(traefik.Config{
			APIURL:   cfg.Traefik.APIURL,
			Username: cfg.Traefik.Username,
			Password: cfg.Traefik.Password,
			Timeout:  cfg.Traefik.Timeout,
		}, dockerSrc)
		if err := traefikSrc.Connect(ctx); err != nil {
			return err
		}
		src = traefikSrc
		if cfg.Docker.WatchEvents {
			src = source.WithEvents(traefikSrc, dockerSrc)
		}
	}

	// Intent builder
	builder := intent.NewBuilder(
		labels.NewParser(cfg.LabelPrefix),
		registry,
		store,
		detector,
		b,
		intent.Defaults{
			RecordType: types.RecordType(cfg.DNS.DefaultType),
			TTL:        cfg.DNS.DefaultTTL,
			Proxied:    &cfg.DNS.DefaultProxied,
			Manage:     cfg.DNS.DefaultManage,
			Domain:     cfg.DNS.Domain,
		},
	)
	builder.SetManual(managedHostnames(cfg))

	// Reconciler
	rec := reconciler.New(registry, store, b, reconciler.Config{
		GracePeriod:     cfg.Cleanup.GracePeriod,
		CleanupOrphaned: cfg.Cleanup.Enabled,
		CacheTTL:        cfg.Sync.CacheTTL,
		RetryAttempts:   cfg.Sync.RetryAttempts,
		RetryBase:       cfg.Sync.RetryDelay,
		RequestTimeout:  cfg.Sync.RequestTimeout,
	})

	// Tunnel manager
	tun := tunnel.New(registry, store, b, tunnel.Config{
		Mode:           tunnel.Mode(cfg.Tunnel.Mode),
		ProviderID:     cfg.Tunnel.ProviderID,
		TunnelID:       cfg.Tunnel.TunnelID,
		TunnelName:     cfg.Tunnel.TunnelName,
		DefaultService: cfg.Tunnel.DefaultService,
	})

	// Orphan sweep
	sweeper := orphan.New(store, registry, b, orphan.Config{
		GracePeriod:     cfg.Cleanup.GracePeriod,
		CleanupOrphaned: cfg.Cleanup.Enabled,
		SweepInterval:   cfg.Cleanup.SweepInterval,
	})
	go func() {
		if err := sweeper.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Orphan manager error")
		}
	}()

	// Health and metrics listener
	if cfg.Health.Enabled {
		hs := health.New(health.Config{Address: cfg.Health.Address})
		hs.RegisterChecker("storage", func(ctx context.Context) error {
			_, err := store.GetSetting(ctx, "schema_version")
			return err
		})
		hs.RegisterDegradedChecker("providers", func(ctx context.Context) (bool, string) {
			for _, id := range registry.SortedIDs() {
				if rec.Degraded(id) {
					return true, "provider " + id + " is degraded"
				}
			}
			return false, ""
		})
		go func() {
			if err := hs.Start(ctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("Health server error")
			}
		}()
	}

	// Periodic database maintenance
	if cfg.Db.VacuumInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.Db.VacuumInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if cfg.Db.AuditRetention > 0 {
						cutoff := time.Now().Add(-cfg.Db.AuditRetention)
						if n, err := store.PruneAuditBefore(ctx, cutoff); err != nil {
							log.Error().Err(err).Msg("Audit log pruning failed")
						} else if n > 0 {
							log.Debug().Int64("pruned", n).Msg("Pruned audit log")
						}
					}
					if err := store.Vacuum(ctx); err != nil {
						log.Error().Err(err).Msg("Database vacuum failed")
					}
				}
			}
		}()
	}

	// Snapshot pipeline: observe -> intent -> tunnel -> reconcile
	onSnapshot := func(observations []types.Observation) {
		result, err := builder.Build(ctx, observations)
		if err != nil {
			log.Error().Err(err).Msg("Intent build failed")
			return
		}
		if tun.Enabled() {
			tunnelRecords, err := tun.Sync(ctx, result.Ingress)
			if err != nil {
				log.Error().Err(err).Msg("Tunnel sync failed")
			}
			for _, r := range tunnelRecords {
				if !result.Records.Add(r) {
					log.Warn().
						Str("hostname", r.Hostname).
						Msg("Tunnel record slot already claimed by a container")
				}
			}
		}
		rec.Reconcile(ctx, result.Records)
	}

	watcher := source.NewWatcher(src, onSnapshot, source.WatcherConfig{
		PollInterval:      cfg.Watch.PollInterval,
		Debounce:          cfg.Watch.Debounce,
		ReconnectInterval: cfg.Watch.ReconnectInterval,
	})
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	<-ctx.Done()
	return ctx.Err()
}

// buildProviders constructs and registers every configured provider.
// Validation failures are non-fatal: the provider is still registered
// so tracked state survives a credential outage.
func buildProviders(ctx context.Context, cfg *config.Config, registry *provider.Registry) error {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := cfg.Providers[name]
		var (
			p   provider.Provider
			err error
		)
		switch pc.Type {
		case "cloudflare":
			p, err = cloudflare.New(cloudflare.Config{
				ID:        name,
				APIToken:  pc.APIToken,
				AccountID: pc.AccountID,
				Zones:     pc.Zones,
			})
		case "rfc2136":
			p, err = rfc2136.New(rfc2136.Config{
				ID:            name,
				Server:        pc.Server,
				Port:          pc.Port,
				Zone:          pc.Zone,
				TSIGKeyName:   pc.TSIGKeyName,
				TSIGSecret:    pc.TSIGSecret,
				TSIGAlgorithm: pc.TSIGAlgorithm,
				UseTCP:        pc.UseTCP,
			})
		default:
			return fmt.Errorf("unknown provider type %q for provider %q", pc.Type, name)
		}
		if err != nil {
			return err
		}
		if err := registry.Register(p); err != nil {
			return err
		}

		zones := pc.Zones
		if pc.Type == "rfc2136" {
			zones = []string{pc.Zone}
		}
		for _, zone := range zones {
			if err := registry.MapZone(zone, name); err != nil {
				return err
			}
		}

		if !cfg.SkipCredentialValidation {
			if v, ok := p.(interface{ Validate(context.Context) error }); ok {
				if err := v.Validate(ctx); err != nil {
					log.Warn().Err(err).Str("provider", name).Msg("Provider validation failed")
				}
			}
		}
		log.Info().Str("provider", name).Str("type", pc.Type).Msg("Provider registered")
	}

	if len(names) == 0 {
		log.Warn().Msg("No providers configured, records will not be applied anywhere")
	}
	return nil
}

// persistProviders mirrors provider configurations into storage with
// credentials sealed. Skipped when no encryption key is configured.
func persistProviders(ctx context.Context, cfg *config.Config, store storage.Storage) error {
	if cfg.EncryptionKey == "" {
		if len(cfg.Providers) > 0 {
			log.Warn().Msg("No encryption key configured, provider configurations are not persisted")
		}
		return nil
	}
	box, err := secret.NewBox(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	for name, pc := range cfg.Providers {
		sealed := pc
		if sealed.APIToken != "" {
			if sealed.APIToken, err = box.Seal(pc.APIToken); err != nil {
				return err
			}
		}
		if sealed.TSIGSecret != "" {
			if sealed.TSIGSecret, err = box.Seal(pc.TSIGSecret); err != nil {
				return err
			}
		}
		raw, err := json.Marshal(sealed)
		if err != nil {
			return err
		}
		err = store.SaveProvider(ctx, &storage.Provider{
			ID:      name,
			Type:    pc.Type,
			Config:  string(raw),
			Enabled: true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func managedHostnames(cfg *config.Config) []types.ManagedHostname {
	out := make([]types.ManagedHostname, 0, len(cfg.ManagedHostnames))
	for _, m := range cfg.ManagedHostnames {
		out = append(out, types.ManagedHostname{
			Hostname:   m.Hostname,
			Type:       types.RecordType(m.Type),
			Content:    m.Content,
			TTL:        m.TTL,
			Proxied:    m.Proxied,
			ProviderID: m.Provider,
		})
	}
	return out
}
