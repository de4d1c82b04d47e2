package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nanoadmin/subaru-telemetry/internal/config"
	"github.com/nanoadmin/subaru-telemetry/internal/gpsingress"
	"github.com/nanoadmin/subaru-telemetry/internal/hud"
	"github.com/nanoadmin/subaru-telemetry/internal/influxwriter"
	"github.com/nanoadmin/subaru-telemetry/internal/metrics"
	"github.com/nanoadmin/subaru-telemetry/internal/publisher"
	"github.com/nanoadmin/subaru-telemetry/internal/records"
	"github.com/nanoadmin/subaru-telemetry/internal/spool"
	"github.com/nanoadmin/subaru-telemetry/internal/telemetry"
	"github.com/nanoadmin/subaru-telemetry/internal/track"
	"github.com/nanoadmin/subaru-telemetry/web"
)

func main() {
	configPath := flag.String("config", "/etc/subaru-telemetry/config.yaml", "Path to config file")
	portOverride := flag.String("port", "", "Override ECU serial port")
	brokerOverride := flag.String("broker", "", "Override MQTT broker URL")
	listenOverride := flag.String("listen", "", "Override HTTP listen address")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] subarutelemetryd starting")

	cfg := config.Load(*configPath)
	if *portOverride != "" {
		cfg.ECU.Port = *portOverride
	}
	if *brokerOverride != "" {
		cfg.Mqtt.BrokerURL = *brokerOverride
	}
	if *listenOverride != "" {
		cfg.HTTP.ListenAddr = *listenOverride
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	sp := spool.New(cfg.Spool.Path, cfg.Spool.MaxEntries)

	pub := publisher.New(publisher.Options{
		BrokerURL:           cfg.Mqtt.BrokerURL,
		ClientID:            cfg.Mqtt.ClientID,
		BaseTopic:           cfg.Mqtt.BaseTopic,
		StatusTopic:         cfg.Mqtt.StatusTopic,
		DtcTopic:            cfg.Mqtt.DtcTopic,
		EventsBase:          cfg.Mqtt.EventsBase,
		QoS:                 cfg.Mqtt.QoS,
		Retain:              cfg.Mqtt.Retain,
		BackoffMinSec:       cfg.Mqtt.BackoffMinSec,
		BackoffMaxSec:       cfg.Mqtt.BackoffMaxSec,
		ConnectTimeoutSec:   cfg.Mqtt.ConnectTimeoutSec,
		AckTimeoutSec:       cfg.Mqtt.AckTimeoutSec,
		StatusAckTimeoutSec: cfg.Mqtt.StatusAckTimeoutSec,
	}, sp)

	mx := metrics.New()

	loop, err := telemetry.New(cfg, sp, pub, mx, nil)
	if err != nil {
		log.Fatalf("[main] telemetry init failed: %v", err)
	}

	trackGeom, err := track.Load(cfg.Track.File)
	if err != nil {
		log.Fatalf("[main] track load failed: %v", err)
	}

	recordsStore, err := records.Open(cfg.Records.File)
	if err != nil {
		log.Fatalf("[main] records open failed: %v", err)
	}

	state := hud.New(trackGeom, recordsStore, pub, loop, mx)
	state.SetTimeSeriesSink(influxwriter.New(cfg.Influx))

	gpsSub := gpsingress.New(cfg.Mqtt.BrokerURL, cfg.Mqtt.ClientID+"-gps", cfg.Mqtt.GpsTopic, cfg.Mqtt.QoS, state)

	httpSrv := hud.NewServer(state, cfg, web.FS, cfg.Mqtt.BaseTopic)
	srv := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: mux(httpSrv, mx)}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()

	gpsDone := make(chan struct{})
	go func() {
		defer wg.Done()
		gpsSub.Run(gpsDone)
	}()

	go func() {
		defer wg.Done()
		log.Printf("[main] http listening on %s", cfg.HTTP.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] http server exited: %v", err)
		}
	}()

	<-ctx.Done()
	close(gpsDone)
	shutCtx, shutCancel := context.WithCancel(context.Background())
	srv.Shutdown(shutCtx)
	shutCancel()

	wg.Wait()
	log.Println("[main] shutdown complete")
}

// mux combines the dashboard's HTTP surface with the Prometheus metrics
// endpoint, kept on the same listener per the metrics section's "HTTP
// surface or a dedicated internal port" allowance.
func mux(httpSrv *hud.Server, mx *metrics.Registry) http.Handler {
	m := httpSrv.Mux()
	m.Handle("/metrics", mx.Handler())
	return m
}
