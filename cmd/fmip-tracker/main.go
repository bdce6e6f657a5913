// Command fmip-tracker polls device locations for one or more accounts and
// publishes them to MQTT, InfluxDB and a known-devices file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/fmip-tracker/internal/command"
	"github.com/sweeney/fmip-tracker/internal/config"
	"github.com/sweeney/fmip-tracker/internal/fmip"
	"github.com/sweeney/fmip-tracker/internal/logger"
	"github.com/sweeney/fmip-tracker/internal/metrics"
	"github.com/sweeney/fmip-tracker/internal/mqtt"
	"github.com/sweeney/fmip-tracker/internal/registry"
	"github.com/sweeney/fmip-tracker/internal/scanner"
	"github.com/sweeney/fmip-tracker/internal/sink"
	"github.com/sweeney/fmip-tracker/internal/status"
	"github.com/sweeney/fmip-tracker/internal/web"
)

func main() {
	configPath := flag.String("config", os.Getenv("FMIP_CONFIG"), "Path to YAML config (empty to use the environment only)")
	printDevices := flag.Bool("print-devices", false, "Print each account's devices and exit")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := logger.Init(cfg.Log); err != nil {
		log.Fatal().Err(err).Msg("init logger")
	}

	if err := run(cfg, *printDevices); err != nil {
		lg := logger.Default()
		lg.Fatal().Err(err).Msg("fatal")
	}
}

func run(cfg *config.Config, printDevices bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lg := logger.Default()
	httpClient := &http.Client{Timeout: cfg.FMIP.Timeout}

	clients := connectAccounts(ctx, cfg, httpClient, lg)
	if len(clients) == 0 {
		return errors.New("no account could be set up")
	}

	// Print devices mode
	if printDevices {
		writeDevices(os.Stdout, clients)
		return nil
	}

	var sinks sink.Multi
	var publisher mqtt.Publisher
	var mqttStatus mqtt.ConnectionStatus
	if cfg.MQTT.Broker != "" {
		mqttLog := logger.WithComponent("mqtt")
		p, err := mqtt.NewRealPublisher(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			BufferSize:  cfg.MQTT.BufferSize,
			Log:         &mqttLog,
		})
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer p.Close()
		publisher, mqttStatus = p, p
		sinks = append(sinks, p)
	}
	if cfg.Influx.Enabled() {
		ix := sink.NewInflux(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket)
		defer ix.Close()
		sinks = append(sinks, ix)
	}
	if cfg.KnownDevices != "" {
		kd, err := sink.LoadKnownDevices(cfg.KnownDevices, logger.WithComponent("known_devices"))
		if err != nil {
			return err
		}
		sinks = append(sinks, kd)
	}
	if len(sinks) == 0 {
		lg.Warn().Msg("no sinks configured, locations are only shown on the status page")
	}

	// Initialize status tracker (before the first poll so it sees the result)
	tracker := status.NewTracker(time.Now(), status.Config{
		HeartbeatMs: cfg.MQTT.Heartbeat.Milliseconds(),
		Broker:      cfg.MQTT.Broker,
		HTTPAddr:    cfg.HTTP.Addr,
		Influx:      cfg.Influx.URL,
	})

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	reg := registry.New(
		registry.WithLogger(logger.WithComponent("registry")),
		registry.WithSkipHook(m.TickSkipped),
	)
	for _, a := range cfg.Accounts {
		c := clientFor(clients, a.Username)
		if c == nil {
			continue
		}
		tracker.AddAccount(a.Username, scanner.ClampInterval(a.Interval()))
		s, err := scanner.New(ctx, a.Username, c, a.Interval(), sinks,
			scanner.WithLogger(logger.WithComponent("scanner")),
			scanner.WithObserver(tracker),
			scanner.WithObserver(m),
		)
		if err != nil {
			lg.Error().Err(err).Str("account", a.Username).Msg("account disabled")
			continue
		}
		reg.Register(a.Username, s)
	}
	if len(reg.Accounts()) == 0 {
		return errors.New("no account completed its first poll")
	}

	dispatcher := command.NewDispatcher(trackedRegistry{reg, tracker}, logger.WithComponent("command"))
	dispatcher.OnResult(m.CommandHandled)

	if publisher != nil && cfg.MQTT.CommandTopic != "" {
		err := publisher.Subscribe(cfg.MQTT.CommandTopic, func(payload []byte) {
			// paho delivers on its own goroutine; don't block it on a poll.
			go dispatcher.Handle(ctx, payload)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", cfg.MQTT.CommandTopic, err)
		}
	}

	// Start HTTP status server
	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker,
			web.WithCommands(dispatcher),
			web.WithMetrics(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
			web.WithLogger(logger.WithComponent("web")),
		)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				lg.Error().Err(err).Msg("http server error")
			}
		}()
		defer srv.Shutdown(context.Background())
		lg.Info().Str("addr", cfg.HTTP.Addr).Msg("http status server listening")
	}

	var system systemPublisher
	if publisher != nil {
		system = publisher
		tracker.SetMQTTConnected(mqttStatus.IsConnected())
	}

	// Publish startup event with full status snapshot
	publishSystem(system, tracker, mqttStatus, "STARTUP", "", true, lg)

	lg.Info().Strs("accounts", reg.Accounts()).Dur("heartbeat", cfg.MQTT.Heartbeat).Msg("started")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(ctx, reg, system, mqttStatus, tracker, cfg.MQTT.Heartbeat, time.Now, ticker.C, sigCh, lg)
}

// connectAccounts builds a client per account, in config order. An account
// whose first fetch fails is logged and left out.
func connectAccounts(ctx context.Context, cfg *config.Config, h fmip.HTTPClient, lg zerolog.Logger) []*fmip.Client {
	clients := make([]*fmip.Client, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		c, err := fmip.New(ctx, fmip.Credentials{Username: a.Username, Password: a.Password},
			fmip.WithBaseURL(cfg.FMIP.BaseURL),
			fmip.WithHTTPClient(h),
			fmip.WithLogger(logger.WithComponent("fmip")),
		)
		if err != nil {
			lg.Error().Err(err).Str("account", a.Username).Msg("account setup failed")
			continue
		}
		clients = append(clients, c)
	}
	return clients
}

func clientFor(clients []*fmip.Client, username string) *fmip.Client {
	for _, c := range clients {
		if c.Username() == username {
			return c
		}
	}
	return nil
}

func writeDevices(w io.Writer, clients []*fmip.Client) {
	for _, c := range clients {
		fmt.Fprintf(w, "%s:\n", c.Username())
		for _, d := range c.Devices() {
			st, ok := d.Status()
			if !ok {
				st = "unknown"
			}
			fmt.Fprintf(w, "  %s  %-24s %-16s battery=%s%% status=%s at %s,%s\n",
				d.DeviceID(), d.Name(), d.DisplayName(), d.BatteryLevel(), st, d.LatitudeString(), d.LongitudeString())
		}
	}
}

// trackedRegistry keeps the status page in step with interval changes.
type trackedRegistry struct {
	*registry.Registry
	tracker *status.Tracker
}

func (t trackedRegistry) UpdateInterval(id string, minutes int) (int, error) {
	n, err := t.Registry.UpdateInterval(id, minutes)
	if err == nil {
		t.tracker.SetInterval(id, n)
	}
	return n, err
}

// systemPublisher is the part of mqtt.Publisher the run loop needs.
type systemPublisher interface {
	PublishSystem(event mqtt.SystemEvent) error
}

// tickTarget is satisfied by *registry.Registry.
type tickTarget interface {
	Tick(ctx context.Context, now time.Time)
}

func publishSystem(pub systemPublisher, tracker *status.Tracker, mqttStatus mqtt.ConnectionStatus, event, reason string, retained bool, lg zerolog.Logger) {
	if pub == nil {
		return
	}
	if mqttStatus != nil {
		tracker.SetMQTTConnected(mqttStatus.IsConnected())
	}
	snap := tracker.Snapshot()
	ev := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   retained,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := pub.PublishSystem(ev); err != nil {
		lg.Error().Err(err).Str("event", event).Msg("failed to publish system event")
		return
	}
	lg.Debug().Str("event", event).Msg("published system event")
}

// runLoop offers every tick to the registry and emits heartbeats until a
// signal arrives. Ticks run on their own goroutines; the registry skips an
// account whose previous poll is still running.
func runLoop(ctx context.Context, reg tickTarget, pub systemPublisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, heartbeat time.Duration, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal, lg zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	lastHeartbeat := now()

	for {
		select {
		case s := <-sig:
			lg.Info().Str("signal", s.String()).Msg("shutting down")
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			cancel()
			wg.Wait()
			publishSystem(pub, tracker, mqttStatus, "SHUTDOWN", signalName, true, lg)
			return nil

		case <-tick:
			t := now()
			wg.Add(1)
			go func() {
				defer wg.Done()
				reg.Tick(ctx, t)
			}()

			if mqttStatus != nil {
				tracker.SetMQTTConnected(mqttStatus.IsConnected())
			}
			if heartbeat > 0 && t.Sub(lastHeartbeat) >= heartbeat {
				lastHeartbeat = t
				lg.Info().Dur("uptime", tracker.Snapshot().Uptime()).Msg("heartbeat")
				publishSystem(pub, tracker, mqttStatus, "HEARTBEAT", "", false, lg)
			}
		}
	}
}
