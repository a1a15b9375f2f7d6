package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"natap/ap"
	"natap/common"
	"natap/config"
	"natap/nat"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	loglvlStr := flag.String("v", "info", "debug level")
	configStr := flag.String("c", "config.yaml", "config location")
	flag.Parse()
	loglvl, err := zerolog.ParseLevel(*loglvlStr)
	if err != nil {
		panic("Failed to parse log level, try debug")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(loglvl).With().Timestamp().Logger().With().Caller().Logger()

	cfg, err := config.Load(*configStr)
	if err != nil {
		log.Fatal().Err(err).Msgf("Failed to load config '%s'", *configStr)
	}
	log.Debug().Msgf("Config: %+v", cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var mgr *ap.Manager
	engine := nat.CreateNat(
		nat.WithMetrics(nat.NewMetrics(reg)),
		nat.WithLeaseReader(nat.LeaseReaderFunc(func(ip net.IP) (string, bool) { return mgr.ClientFor(ip) })),
	)
	mgr, err = ap.NewManager(cfg.APSettings(), engine, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up the AP")
	}

	lan, err := lanInterface(cfg)
	if err != nil {
		log.Fatal().Err(err).Msgf("Failed to open AP interface '%s'", cfg.Interfaces.AP)
	}
	router := nat.CreateRouter(engine, lan, mgr, nil)

	log.Info().Msgf("Starting AP %s (hidden %t) on %s, %s/24, uplink %s. Port Forwarding rules: %+v",
		cfg.SSID, cfg.HideSSID, lan.IfName, lan.IPv4Addr, cfg.Interfaces.Uplink, cfg.Rules)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// BPF filter to remove packets sent _from_ natap
	g.Go(func() error {
		return nat.CreateSniffer(lan.IfName, false).Start(ctx, fmt.Sprintf("ether src not %s", lan.IfHWAddr), router)
	})
	g.Go(func() error {
		return engine.StartGarbageCollector(ctx)
	})
	g.Go(func() error {
		up, err := mgr.Run(ctx, cfg.UplinkWatcher())
		if err != nil {
			return err
		}
		wan, err := wanInterface(up)
		if err != nil {
			return err
		}
		router.SetUplink(wan)
		return nat.CreateSniffer(wan.IfName, false).Start(ctx, fmt.Sprintf("ether src not %s", wan.IfHWAddr), router)
	})
	if cfg.Metrics.Listen != "" {
		serveMetrics(ctx, g, cfg.Metrics.Listen, reg, engine, mgr)
	}

	if err = g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Stopped")
	}
	log.Info().Msg("Shut down")
}

func lanInterface(cfg config.Config) (nat.Interface, error) {
	name := cfg.Interfaces.AP
	hw, err := common.GetMacAddr(name)
	if err != nil {
		return nat.Interface{}, err
	}
	mtu, err := common.GetMacMTU(name)
	if err != nil {
		return nat.Interface{}, err
	}
	spitter, err := nat.CreateSpitter(name)
	if err != nil {
		return nat.Interface{}, err
	}
	return nat.Interface{
		IfName:      name,
		IfHWAddr:    hw,
		IPv4Addr:    cfg.APAddress(),
		IPv4Network: cfg.APNetwork(),
		MTU:         mtu,
		Callback:    spitter,
	}, nil
}

func wanInterface(up ap.Uplink) (nat.Interface, error) {
	hw, mtu := up.HWAddr, up.MTU
	var err error
	if hw == nil {
		if hw, err = common.GetMacAddr(up.IfName); err != nil {
			return nat.Interface{}, err
		}
	}
	if mtu == 0 {
		if mtu, err = common.GetMacMTU(up.IfName); err != nil {
			return nat.Interface{}, err
		}
	}
	spitter, err := nat.CreateSpitter(up.IfName)
	if err != nil {
		return nat.Interface{}, err
	}
	return nat.Interface{
		IfName:      up.IfName,
		IfHWAddr:    hw,
		IPv4Addr:    up.Addr,
		IPv4Network: up.Network,
		IPv4Gateway: up.Gateway,
		MTU:         mtu,
		Callback:    spitter,
	}, nil
}

// serveMetrics serves /metrics, plus plain text session and lease dumps for poking at by hand.
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, engine *nat.Nat, mgr *ap.Manager) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		for _, s := range engine.Sessions() {
			fmt.Fprintf(w, "%s client=%s\n", s.Session, s.Client)
		}
	})
	mux.HandleFunc("/leases", func(w http.ResponseWriter, _ *http.Request) {
		for _, l := range mgr.Leases() {
			fmt.Fprintf(w, "%s %s %q static=%t expires=%s\n", l.IP, l.MAC, l.Hostname, l.Static, l.Expiry.Format(time.RFC3339))
		}
		for _, s := range mgr.Stations() {
			fmt.Fprintf(w, "station %s since %s\n", s.MAC, s.Connected.Format(time.RFC3339))
		}
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		log.Info().Msgf("Metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
