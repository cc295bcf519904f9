package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/sweeney/asterisk-calltracker/internal/ami"
	"github.com/sweeney/asterisk-calltracker/internal/config"
	"github.com/sweeney/asterisk-calltracker/internal/metrics"
	"github.com/sweeney/asterisk-calltracker/internal/publisher"
	"github.com/sweeney/asterisk-calltracker/internal/tracker"
)

// callRequest is one -originate flag value.
type callRequest struct {
	Caller string
	Callee string
}

func parseCallRequest(s string) (callRequest, error) {
	caller, callee, ok := strings.Cut(s, ":")
	caller, callee = strings.TrimSpace(caller), strings.TrimSpace(callee)
	if !ok || caller == "" || callee == "" {
		return callRequest{}, fmt.Errorf("expected caller:callee, got %q", s)
	}
	return callRequest{Caller: caller, Callee: callee}, nil
}

func main() {
	configPath := flag.String("config", "/etc/asterisk-calltracker/calltracker.yaml", "Path to config file")
	once := flag.Bool("once", false, "Exit once every originated call has completed")
	var calls []callRequest
	flag.Func("originate", "Originate a call, as caller:callee (repeatable)", func(s string) error {
		req, err := parseCallRequest(s)
		if err != nil {
			return err
		}
		calls = append(calls, req)
		return nil
	})
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stderr))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	var pub publisher.Publisher
	if cfg.MQTT.Broker != "" {
		mp, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			QoS:         byte(cfg.MQTT.QoS),
			StatusTopic: cfg.MQTT.StatusTopic(),
		})
		if err != nil {
			slog.Error("connecting to MQTT", "broker", cfg.MQTT.Broker, "error", err)
			os.Exit(1)
		}
		defer mp.Close()
		slog.Info("connected to MQTT broker", "broker", cfg.MQTT.Broker)
		pub = mp
	} else {
		slog.Warn("no mqtt.broker configured, call changes will not be published")
	}

	client := ami.NewClient(ami.ClientOptions{
		Addr:        cfg.AMI.Addr(),
		Username:    cfg.AMI.Username,
		Secret:      cfg.AMI.Secret,
		DialTimeout: cfg.AMI.ConnectTimeout,
		Logger:      logger,
	})

	err = run(ctx, cfg, deps{
		transport:   client,
		sessionDone: client.Done(),
		publisher:   pub,
		logger:      logger,
	}, calls, *once)
	if err != nil {
		slog.Error("calltracker stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// deps carries the pieces run needs from the outside world.
type deps struct {
	transport tracker.Transport
	// sessionDone is closed when the AMI session ends; nil never fires.
	sessionDone <-chan struct{}
	publisher   publisher.Publisher
	logger      *slog.Logger
}

func controllerOptions(cfg *config.Config, logger *slog.Logger) []tracker.Option {
	return []tracker.Option{
		tracker.WithLogger(logger),
		tracker.WithCheckInterval(cfg.Tracker.CheckInterval),
		tracker.WithIdleThreshold(cfg.Tracker.IdleThreshold),
		tracker.WithStatusInterval(cfg.Tracker.StatusInterval),
		tracker.WithRetention(cfg.Tracker.Retention),
		tracker.WithQueryRate(rate.Limit(cfg.Tracker.StatusRate), cfg.Tracker.StatusBurst),
		tracker.WithDialPlan(cfg.Dial.Context, cfg.Dial.ChannelFormat, cfg.Dial.Priority),
	}
}

// run connects the tracker, originates the requested calls and blocks until
// ctx is cancelled, the AMI session ends or the liveness poller fails.
func run(ctx context.Context, cfg *config.Config, d deps, calls []callRequest, once bool) error {
	log := d.logger
	if log == nil {
		log = slog.Default()
	}

	opts := controllerOptions(cfg, log)

	var notifier *publisher.Notifier
	notifyDone := make(chan struct{})
	notifyCtx, stopNotify := context.WithCancel(context.Background())
	defer func() {
		stopNotify()
		<-notifyDone
	}()
	if d.publisher != nil {
		notifier = publisher.NewNotifier(d.publisher, cfg.MQTT.TopicPrefix, publisher.DefaultQueueSize, log)
		opts = append(opts, tracker.WithObserver(notifier.Observe))
		go func() {
			defer close(notifyDone)
			notifier.Run(notifyCtx)
		}()
	} else {
		close(notifyDone)
	}

	ctl := tracker.New(d.transport, opts...)

	if cfg.Metrics.Listen != "" {
		var drops metrics.DropCounter
		if notifier != nil {
			drops = notifier
		}
		srv := newMetricsServer(cfg.Metrics.Listen, metrics.NewCollector(ctl, drops, ctl.Connected, time.Now()))
		go func() {
			log.Info("metrics server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("metrics server shutdown error", "error", err)
			}
		}()
	}

	log.Info("connecting to AMI", "addr", cfg.AMI.Addr())
	if err := ctl.Connect(ctx); err != nil {
		return err
	}
	defer ctl.Disconnect()

	accepted := 0
	for _, call := range calls {
		if ctl.Initiate(ctx, call.Caller, call.Callee, cfg.Dial.AnswerTimeout) {
			accepted++
		}
	}
	if len(calls) > 0 && accepted == 0 {
		return fmt.Errorf("none of the %d requested calls were accepted", len(calls))
	}

	idle := make(chan struct{})
	if once {
		waitCtx, stopWait := context.WithCancel(ctx)
		defer stopWait()
		go func() {
			if waitIdle(waitCtx, ctl, cfg.Tracker.CheckInterval) == nil {
				close(idle)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case <-idle:
		log.Info("all originated calls completed")
		return nil
	case <-d.sessionDone:
		return errors.New("AMI session ended")
	case <-ctl.PollerDone():
		if err := ctl.PollerErr(); err != nil {
			return fmt.Errorf("liveness poller: %w", err)
		}
		return nil
	}
}

// waitIdle returns once no initiation is pending and every tracked call has completed.
func waitIdle(ctx context.Context, ctl *tracker.Controller, interval time.Duration) error {
	for {
		for _, id := range ctl.ActiveCalls() {
			if err := ctl.WaitCompletion(ctx, id); err != nil {
				return err
			}
		}
		if len(ctl.PendingInitiations()) == 0 && len(ctl.ActiveCalls()) == 0 {
			return nil
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func newMetricsServer(addr string, c prometheus.Collector) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok"}`)
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
