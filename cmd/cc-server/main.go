// Command cc-server runs the control-plane endpoint (C2) as a standalone
// daemon: it hosts the observation pipeline, inference engine, and flow
// registry, and serves one or both wire transports for senders that don't
// embed their own (see cc-sender, which can run this same logic in-process
// instead of dialing out to one of these).
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"astraea-cc/internal/astraea/inference"
	"astraea-cc/internal/astraea/observation"
	"astraea-cc/internal/astraea/server"
	"astraea-cc/internal/metrics"
)

func main() {
	color.Cyan("==============================")
	color.Cyan("  Astraea control-plane server")
	color.Cyan("==============================")

	unixPath := flag.String("unix", "/tmp/astraea-cc.sock", "unix-domain stream socket path")
	udpAddr := flag.String("udp", ":8888", "UDP listen address")
	disableUnix := flag.Bool("no-unix", false, "disable the unix-domain stream transport")
	disableUDP := flag.Bool("no-udp", false, "disable the UDP transport")
	pyhelper := flag.String("pyhelper", "", "URL of a pyhelper inference process (empty: dependency-free local policy)")
	batch := flag.Bool("batch", true, "serve inference requests in batched mode rather than immediate")
	metricsAddr := flag.String("metrics-addr", ":9400", "address to serve /metrics on (empty disables)")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()

	var policy inference.Policy
	if *pyhelper != "" {
		hp := inference.NewHTTPPolicy(*pyhelper, 0)
		if _, perr := hp.Evaluate([][]float32{make([]float32, observation.WindowSize)}); perr != nil {
			fmt.Printf("pyhelper warm-up failed: %v\n", perr)
			os.Exit(1)
		}
		policy = hp
	} else {
		logger.Warn("no --pyhelper configured; serving the dependency-free local policy")
		policy = inference.NewLocalPolicy(observation.WindowSize)
	}

	registry := prometheus.NewRegistry()
	prom := metrics.NewPrometheusMetrics(registry)
	hdr := metrics.NewHDRMetrics()

	srv := server.New(server.Config{Policy: policy, Batch: *batch, Prom: prom, HDR: hdr}, logger)
	defer srv.Stop()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics listener exited", zap.Error(err))
			}
		}()
		fmt.Printf("metrics available on http://%s/metrics\n", *metricsAddr)
	}

	done := make(chan struct{})
	if !*disableUnix {
		go func() {
			if err := srv.ServeUnix(*unixPath, done); err != nil {
				logger.Error("unix listener exited", zap.Error(err))
			}
		}()
		fmt.Printf("serving control plane on unix:%s\n", *unixPath)
	}
	if !*disableUDP {
		go func() {
			if err := srv.ServeUDP(*udpAddr, done); err != nil {
				logger.Error("udp listener exited", zap.Error(err))
			}
		}()
		fmt.Printf("serving control plane on udp:%s\n", *udpAddr)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	fmt.Println("\nshutting down control-plane server...")
	close(done)
}
