// Package gateway wires the daemon together: config, logging, the event
// bus, device registry, delivery queue with its websocket channel, link
// monitor, rule engine, operator alerts, and the metrics endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hearth/internal/cloud/channel"
	"hearth/internal/cloud/queue"
	"hearth/internal/cloud/uplink"
	"hearth/internal/config"
	"hearth/internal/device"
	"hearth/internal/eventbus"
	"hearth/internal/linkmon"
	"hearth/internal/notify"
	"hearth/internal/rules"
	logx "hearth/pkg/logx"
)

type Gateway struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus

	store    *device.Store
	registry *device.Registry
	q        *queue.Queue
	ch       *channel.Channel
	up       *uplink.Uplink
	mon      *linkmon.Monitor
	engine   *rules.Engine
	notifier *notify.Notifier

	metricsSrv *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

func New(cfgPath string) (*Gateway, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, rootLog := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: consoleEnabled(cfg.Logging),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(rootLog.With(logx.String("svc", "config")))

	return &Gateway{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    rootLog,
		bus:    eventbus.New(),
	}, nil
}

func consoleEnabled(lc config.LoggingConfig) bool {
	if lc.Console != nil {
		return *lc.Console
	}
	return true
}

// Start brings every component up. Components start in dependency order:
// storage, registry, queue/channel, monitor, rules, notify, metrics, then
// the config watcher.
func (g *Gateway) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return errors.New("gateway already started")
	}

	cfg := g.cfgMgr.Get()
	// Background loops inherit the caller's context, so canceling it winds
	// the gateway down even before Stop runs.
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	if err := g.startStorage(cfg); err != nil {
		cancel()
		return err
	}
	if cfg.Cloud.IsEnabled() {
		if err := g.startCloud(runCtx, cfg); err != nil {
			cancel()
			return err
		}
	} else {
		g.log.Warn("cloud uplink disabled; running standalone")
	}
	if err := g.startRules(cfg); err != nil {
		cancel()
		return err
	}
	if err := g.startNotify(runCtx, cfg); err != nil {
		cancel()
		return err
	}
	if err := g.startMetrics(cfg); err != nil {
		cancel()
		return err
	}

	g.registry.Start()

	// Config hot reload.
	g.cfgMgr.SetValidator(func(_ context.Context, c *config.Config) error {
		if g.engine != nil {
			return g.engine.Validate(c.Rules)
		}
		return nil
	})
	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		_ = g.cfgMgr.Watch(runCtx)
	}()
	go func() {
		defer g.wg.Done()
		g.reloadLoop(runCtx)
	}()

	g.started = true
	g.log.Info("gateway started",
		logx.Bool("cloud", cfg.Cloud.IsEnabled()),
		logx.Bool("rules", cfg.Rules.IsEnabled()),
		logx.Bool("metrics", cfg.Metrics.Enabled),
		logx.Int("devices", len(g.registry.List())))
	return nil
}

func (g *Gateway) startStorage(cfg *config.Config) error {
	var st *device.Store
	if strings.TrimSpace(cfg.Devices.StorePath) != "" {
		busy, _ := config.ParseDurationOrDefault("devices.busy_timeout", cfg.Devices.BusyTimeout, 5*time.Second)
		var err error
		st, err = device.OpenStore(device.StoreConfig{
			Path:        cfg.Devices.StorePath,
			BusyTimeout: busy,
		}, g.log.With(logx.String("svc", "store")))
		if err != nil {
			return fmt.Errorf("open device store: %w", err)
		}
	}
	g.store = st

	offline, _ := config.ParseDurationOrDefault("devices.offline_after", cfg.Devices.OfflineAfter, 5*time.Minute)
	g.registry = device.NewRegistry(device.RegistryConfig{
		OfflineAfter: offline,
		Store:        st,
		Bus:          g.bus,
		Logger:       g.log.With(logx.String("svc", "device")),
	})
	return nil
}

func (g *Gateway) startCloud(runCtx context.Context, cfg *config.Config) error {
	reg := prometheus.DefaultRegisterer
	qm := queue.NewMetrics(reg)

	ch, err := channel.New(channelConfig(cfg.Cloud, g.bus, g.log))
	if err != nil {
		return fmt.Errorf("cloud channel: %w", err)
	}
	replyTimeout, _ := config.ParseDurationOrDefault("cloud.reply_timeout", cfg.Cloud.ReplyTimeout, 10*time.Second)
	q, err := queue.New(ch, queue.Config{
		MaxInFlight:  cfg.Cloud.MaxInFlight,
		ReplyTimeout: replyTimeout,
		Logger:       g.log.With(logx.String("svc", "queue")),
		Metrics:      qm,
	})
	if err != nil {
		return fmt.Errorf("delivery queue: %w", err)
	}
	ch.Bind(q)
	g.ch, g.q = ch, q

	target, err := probeTarget(cfg.Cloud.URL)
	if err != nil {
		return err
	}
	probeInterval, _ := config.ParseDurationOrDefault("link.probe_interval", cfg.Link.ProbeInterval, 15*time.Second)
	probeTimeout, _ := config.ParseDurationOrDefault("link.probe_timeout", cfg.Link.ProbeTimeout, 5*time.Second)
	var latency linkmon.LatencyProber
	if cfg.Link.LatencyProbe {
		latency = linkmon.NewSpeedtestLatency(3)
	}
	g.mon = linkmon.New(linkmon.Config{
		Prober:           linkmon.TCPProber(target),
		ProbeInterval:    probeInterval,
		ProbeTimeout:     probeTimeout,
		FailThreshold:    cfg.Link.FailThreshold,
		RecoverThreshold: cfg.Link.RecoverThreshold,
		Latency:          latency,
		OnChange:         ch.SetLinkUp,
		Bus:              g.bus,
		Logger:           g.log.With(logx.String("svc", "linkmon")),
	})

	g.up = uplink.New(uplink.Config{
		Queue:    q,
		Registry: g.registry,
		Bus:      g.bus,
		Logger:   g.log.With(logx.String("svc", "uplink")),
	})

	q.Start()
	g.mon.Start()
	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		_ = ch.Run(runCtx)
	}()
	go func() {
		defer g.wg.Done()
		_ = g.up.Run(runCtx)
	}()
	return nil
}

func (g *Gateway) startRules(cfg *config.Config) error {
	g.engine = rules.New(g.bus, g.log.With(logx.String("svc", "rules")))
	if !cfg.Rules.IsEnabled() {
		return nil
	}
	if err := g.engine.Start(cfg.Rules); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	return nil
}

func (g *Gateway) startNotify(runCtx context.Context, cfg *config.Config) error {
	if cfg.Notify == nil || cfg.Notify.Telegram == nil {
		return nil
	}
	tg := cfg.Notify.Telegram
	minInterval, _ := config.ParseDurationOrDefault("notify.telegram.min_interval", tg.MinInterval, 30*time.Second)
	n, err := notify.New(notify.Config{
		Token:       tg.Token,
		ChatID:      tg.ChatID,
		MinInterval: minInterval,
		Bus:         g.bus,
		Logger:      g.log.With(logx.String("svc", "notify")),
	})
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	g.notifier = n
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		_ = n.Run(runCtx)
	}()
	return nil
}

func (g *Gateway) startMetrics(cfg *config.Config) error {
	if !cfg.Metrics.Enabled {
		return nil
	}
	listen := strings.TrimSpace(cfg.Metrics.Listen)
	if listen == "" {
		listen = "127.0.0.1:9120"
	}

	// Best effort: the default registry ships with these since client_golang
	// 1.12; re-registering just returns AlreadyRegisteredError.
	_ = prometheus.Register(collectors.NewGoCollector())
	_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", g.handleHealthz)

	srv := &http.Server{
		Addr:         listen,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	g.metricsSrv = srv
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error("metrics server failed", logx.Err(err))
		}
	}()
	g.log.Info("metrics listening", logx.String("addr", listen))
	return nil
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	type health struct {
		Status   string `json:"status"`
		LinkUp   bool   `json:"link_up"`
		Pending  int    `json:"queue_pending"`
		InFlight int    `json:"queue_in_flight"`
		Devices  int    `json:"devices"`
	}
	h := health{Status: "ok"}
	if g.mon != nil {
		h.LinkUp = g.mon.Up()
	}
	if g.q != nil {
		h.Pending = g.q.PendingLen()
		h.InFlight = g.q.InFlightLen()
	}
	if g.registry != nil {
		h.Devices = len(g.registry.List())
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h)
}

// reloadLoop applies validated config updates to running components.
func (g *Gateway) reloadLoop(ctx context.Context) {
	updates := g.cfgMgr.Subscribe(4)
	defer g.cfgMgr.Unsubscribe(updates)

	last := g.cfgMgr.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			changed, attrs, ruleNames := config.SummarizeConfigChange(last, cfg)
			if len(changed) == 0 {
				last = cfg
				continue
			}
			g.log.Info("config reloaded",
				append([]logx.Field{logx.Any("sections", changed)}, attrs...)...)
			g.applyConfig(cfg, changed, ruleNames)
			last = cfg
		}
	}
}

func (g *Gateway) applyConfig(cfg *config.Config, changed []string, ruleNames []string) {
	for _, section := range changed {
		switch section {
		case "logging":
			g.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: consoleEnabled(cfg.Logging),
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
		case "cloud":
			if g.ch != nil {
				g.ch.Apply(channelConfig(cfg.Cloud, g.bus, g.log))
			}
			if g.up != nil {
				replyTimeout, _ := config.ParseDurationOrDefault("cloud.reply_timeout", cfg.Cloud.ReplyTimeout, 10*time.Second)
				g.up.Apply(cfg.Cloud.MaxInFlight, replyTimeout)
			}
		case "devices":
			offline, _ := config.ParseDurationOrDefault("devices.offline_after", cfg.Devices.OfflineAfter, 5*time.Minute)
			g.registry.Apply(offline)
		case "rules":
			if g.engine != nil {
				if err := g.engine.Apply(cfg.Rules); err != nil {
					g.log.Warn("rules reload failed", logx.Err(err), logx.Any("rules", ruleNames))
				}
			}
		case "link":
			if g.mon != nil {
				probeInterval, _ := config.ParseDurationOrDefault("link.probe_interval", cfg.Link.ProbeInterval, 15*time.Second)
				probeTimeout, _ := config.ParseDurationOrDefault("link.probe_timeout", cfg.Link.ProbeTimeout, 5*time.Second)
				g.mon.Apply(probeInterval, probeTimeout, cfg.Link.FailThreshold, cfg.Link.RecoverThreshold)
			}
		case "notify":
			if g.notifier != nil && cfg.Notify != nil && cfg.Notify.Telegram != nil {
				minInterval, _ := config.ParseDurationOrDefault("notify.telegram.min_interval", cfg.Notify.Telegram.MinInterval, 30*time.Second)
				g.notifier.Apply(minInterval)
			}
		}
	}
}

// Stop shuts components down in reverse order of Start and waits for the
// delivery queue's worker to settle so terminal callbacks all run.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return nil
	}
	g.started = false

	if g.metricsSrv != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = g.metricsSrv.Shutdown(sctx)
		cancel()
	}
	if g.engine != nil {
		g.engine.Stop()
	}
	if g.mon != nil {
		g.mon.Stop()
	}
	if g.q != nil {
		g.q.Stop(true)
		g.q.Clear()
	}
	g.cancel()
	g.wg.Wait()

	g.registry.Stop()
	if g.store != nil {
		_ = g.store.Close()
	}
	g.log.Info("gateway stopped")
	_ = g.logSvc.Close()
	return nil
}

// Registry exposes the device table, mainly for embedding callers.
func (g *Gateway) Registry() *device.Registry { return g.registry }

func channelConfig(cc config.CloudConfig, bus eventbus.Bus, log logx.Logger) channel.Config {
	reconnectMin, _ := config.ParseDurationOrDefault("cloud.reconnect_min", cc.ReconnectMin, time.Second)
	reconnectMax, _ := config.ParseDurationOrDefault("cloud.reconnect_max", cc.ReconnectMax, time.Minute)
	return channel.Config{
		URL:          cc.URL,
		Token:        cc.Token,
		RatePerSec:   cc.RatePerSec,
		Burst:        cc.Burst,
		ReconnectMin: reconnectMin,
		ReconnectMax: reconnectMax,
		Logger:       log.With(logx.String("svc", "channel")),
		Bus:          bus,
	}
}

// probeTarget derives a host:port the link monitor can TCP-dial from the
// websocket URL.
func probeTarget(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("cloud.url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", errors.New("cloud.url: missing host")
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "wss" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return net.JoinHostPort(host, port), nil
}
