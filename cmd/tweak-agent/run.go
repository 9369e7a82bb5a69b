package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/breeze-rmm/tweakagent/internal/audit"
	"github.com/breeze-rmm/tweakagent/internal/auditreport"
	"github.com/breeze-rmm/tweakagent/internal/config"
	"github.com/breeze-rmm/tweakagent/internal/dispatcher"
	"github.com/breeze-rmm/tweakagent/internal/executor"
	"github.com/breeze-rmm/tweakagent/internal/health"
	"github.com/breeze-rmm/tweakagent/internal/logging"
	"github.com/breeze-rmm/tweakagent/internal/mtls"
	"github.com/breeze-rmm/tweakagent/internal/privilege"
	"github.com/breeze-rmm/tweakagent/internal/websocket"
	"github.com/breeze-rmm/tweakagent/internal/workerpool"
)

const shutdownTimeout = 30 * time.Second

// agentComponents is everything startAgent brings up and shutdownAgent
// tears down.
type agentComponents struct {
	cfg        *config.Config
	runner     *executor.Executor
	journal    *audit.Journal
	monitor    *health.Monitor
	dispatcher *dispatcher.Dispatcher
	pool       *workerpool.Pool
	client     *websocket.Client
	logWriter  io.Closer
	startedAt  time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func runAgent() error {
	if isWindowsService() {
		return runAsService(startAgent)
	}

	comps, err := startAgent()
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down agent")
	shutdownAgent(comps)
	return nil
}

func setupLogging(cfg *config.Config) (io.Closer, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		closer = rw
		out = rw
		if hasConsole() {
			out = logging.TeeWriter(os.Stdout, rw)
		}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return closer, nil
}

func startAgent() (*agentComponents, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if res := cfg.ValidateTiered(); res.HasFatals() {
		return nil, errors.Join(res.Fatals...)
	}
	if cfg.DeviceID == "" || cfg.ServerURL == "" {
		return nil, errors.New("device_id and server_url must be configured")
	}

	logWriter, err := setupLogging(cfg)
	if err != nil {
		return nil, err
	}

	monitor := health.NewMonitor()
	journal, err := audit.Open("", cfg)
	if err != nil {
		log.Warn("audit journal unavailable, continuing without it", logging.KeyError, err)
		monitor.Update(health.ComponentJournal, health.Degraded, err.Error())
	} else {
		monitor.Update(health.ComponentJournal, health.Healthy, "")
	}

	runner := executor.New()
	modules, err := buildModules(cfg, runner, journal)
	if err != nil {
		journal.Close()
		return nil, err
	}

	tlsCfg, err := mtls.BuildTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		journal.Close()
		return nil, err
	}
	reportOpts := []auditreport.Option{auditreport.WithFailureSink(journal)}
	channelOpts := []websocket.Option{websocket.WithHealth(monitor)}
	if tlsCfg != nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsCfg
		reportOpts = append(reportOpts, auditreport.WithHTTPClient(&http.Client{Transport: transport, Timeout: 30 * time.Second}))
		channelOpts = append(channelOpts, websocket.WithDialer(&gorillaws.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
			TLSClientConfig:  tlsCfg,
		}))
	}

	reporter := auditreport.New(cfg.ServerURL, cfg.MachineToken, reportOpts...)
	disp := dispatcher.New(cfg.DeviceID, modules,
		dispatcher.WithJournal(journal),
		dispatcher.WithReporter(reporter),
		dispatcher.WithHealth(monitor),
		dispatcher.WithRestorePoints(restoreCreator(cfg)),
		dispatcher.WithElevationCheck(privilege.IsElevated),
	)

	pool := workerpool.New(cfg.MaxConcurrentTweaks, cfg.TweakQueueSize)
	client := websocket.New(websocket.Config{
		ServerURL:         cfg.ServerURL,
		DeviceID:          cfg.DeviceID,
		MachineToken:      cfg.MachineToken,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		FailureThreshold:  cfg.HeartbeatFailureThreshold,
		RetryDelay:        time.Duration(cfg.ConnectRetrySeconds) * time.Second,
	}, disp.Dispatch, pool, append(channelOpts, websocket.WithHealthSource(healthSource(monitor, pool)))...)

	journal.Record(audit.EventAgentStart, "", "", map[string]any{
		"version":      version,
		"deviceId":     cfg.DeviceID,
		"scriptPolicy": cfg.ScriptPolicy,
		"elevated":     privilege.IsElevated(),
	})
	log.Info("starting tweak agent",
		"version", version,
		"server", cfg.ServerURL,
		logging.KeyDeviceID, cfg.DeviceID,
		"scriptPolicy", cfg.ScriptPolicy,
		"journal", journal.Path())

	ctx, cancel := context.WithCancel(context.Background())
	comps := &agentComponents{
		cfg:        cfg,
		runner:     runner,
		journal:    journal,
		monitor:    monitor,
		dispatcher: disp,
		pool:       pool,
		client:     client,
		logWriter:  logWriter,
		startedAt:  time.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go func() {
		defer close(comps.done)
		if err := client.Connect(ctx); err != nil {
			return
		}
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("remote channel stopped", logging.KeyError, err)
		}
	}()
	return comps, nil
}

// healthSource builds the health_data payload, refreshing the worker
// component from the pool first.
func healthSource(monitor *health.Monitor, pool *workerpool.Pool) websocket.HealthSource {
	var lastRejected atomic.Int64
	return func(ctx context.Context) any {
		rejected := pool.Rejected()
		status, msg := health.Healthy, ""
		if prev := lastRejected.Swap(rejected); rejected > prev {
			status = health.Degraded
			msg = fmt.Sprintf("%d tweaks rejected by a full queue", rejected-prev)
		}
		monitor.Update(health.ComponentWorkers, status, msg)
		return monitor.SummaryWithHost(ctx)
	}
}

func shutdownAgent(comps *agentComponents) {
	if comps == nil {
		return
	}
	start := time.Now()
	comps.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	select {
	case <-comps.done:
	case <-ctx.Done():
		log.Warn("remote channel did not stop in time")
	}
	comps.pool.Drain(ctx)
	comps.dispatcher.Wait(ctx)
	comps.runner.CancelAll()

	comps.journal.Record(audit.EventAgentStop, "", "", map[string]any{
		"uptimeSeconds": int64(time.Since(comps.startedAt).Seconds()),
		"dropped":       comps.journal.DroppedCount(),
	})
	if err := comps.journal.Close(); err != nil {
		log.Warn("closing audit journal", logging.KeyError, err)
	}
	log.Info("agent stopped", logging.KeyDurationMs, time.Since(start).Milliseconds())
	if comps.logWriter != nil {
		comps.logWriter.Close()
	}
}
