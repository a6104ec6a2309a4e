// Command cc-sender is the "server" role of a flow in the original
// new_server_sender.cc naming: it listens for one incoming data connection,
// pushes --size bytes across it, and steers the connection's congestion
// window through a control loop (C5) that talks to a control-plane endpoint
// (C2) over a unix-domain socket this process starts and owns in-process —
// so a single binary is enough to drive one flow end to end.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"astraea-cc/internal/astraea/detector"
	"astraea-cc/internal/astraea/driver"
	"astraea-cc/internal/astraea/inference"
	"astraea-cc/internal/astraea/observation"
	"astraea-cc/internal/astraea/server"
	"astraea-cc/internal/astraea/tunables"
	"astraea-cc/internal/metrics"
)

func main() {
	color.Cyan("==============================")
	color.Cyan("  Astraea congestion-control sender")
	color.Cyan("==============================")

	port := flag.Int("port", 5201, "TCP port to listen on for the data connection")
	cong := flag.String("cong", "", "socket-level TCP_CONGESTION algorithm to request (empty: leave host default)")
	intervalMs := flag.Int("interval", 20, "control-tick interval, in milliseconds")
	pyhelper := flag.String("pyhelper", "", "URL of a pyhelper inference process (empty: dependency-free local policy)")
	model := flag.String("model", "", "model/checkpoint path forwarded to --pyhelper on start-up")
	flowID := flag.Int("id", 1, "flow id to present on START")
	perfLog := flag.String("perf-log", "", "path to append the tab-separated performance log to (empty disables)")
	perfIntervalMs := flag.Int("perf-interval", 1000, "performance-log row cadence, in milliseconds")
	size := flag.Int64("size", 0, "total bytes to transfer (required, > 0)")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on (empty disables)")
	flag.Parse()

	if *size <= 0 {
		fmt.Println("--size is required and must be > 0")
		os.Exit(1)
	}
	if *model != "" && *pyhelper == "" {
		fmt.Println("--model requires --pyhelper")
		os.Exit(1)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()

	policy, perr := buildPolicy(*pyhelper, *model)
	if perr != nil {
		fmt.Printf("policy start-up failed: %v\n", perr)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	prom := metrics.NewPrometheusMetrics(registry)
	hdr := metrics.NewHDRMetrics()

	srv := server.New(server.Config{Policy: policy, Batch: false, Prom: prom, HDR: hdr}, logger)
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

	sockPath := filepath.Join(os.TempDir(), fmt.Sprintf("astraea-sender-%d.sock", os.Getpid()))
	listenerDone := make(chan struct{})
	go func() {
		if err := srv.ServeUnix(sockPath, listenerDone); err != nil {
			logger.Error("embedded control-plane listener exited", zap.Error(err))
		}
	}()
	defer close(listenerDone)
	// Give the listener a moment to bind before the driver dials it.
	time.Sleep(10 * time.Millisecond)

	ctrlConn, err := net.Dial("unix", sockPath)
	if err != nil {
		fmt.Printf("dial embedded control plane: %v\n", err)
		os.Exit(1)
	}
	defer ctrlConn.Close()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		fmt.Printf("listen on port %d: %v\n", *port, err)
		os.Exit(1)
	}
	defer ln.Close()
	fmt.Printf("waiting for a receiver to connect on :%d\n", *port)

	conn, err := ln.Accept()
	if err != nil {
		fmt.Printf("accept data connection: %v\n", err)
		os.Exit(1)
	}
	data, ok := conn.(*net.TCPConn)
	if !ok {
		fmt.Println("accepted connection is not TCP")
		os.Exit(1)
	}
	defer data.Close()
	fmt.Printf("receiver connected from %s\n", data.RemoteAddr())

	if err := driver.SetCongestionControl(data, *cong); err != nil {
		logger.Warn("failed to apply --cong", zap.String("cong", *cong), zap.Error(err))
	}

	var perfWriter *driver.PerfLogWriter
	if *perfLog != "" {
		f, err := os.OpenFile(*perfLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Printf("open perf log: %v\n", err)
			os.Exit(1)
		}
		perfWriter = driver.NewPerfLogWriter(f)
		defer perfWriter.Close()
	}

	tun := tunables.Default()
	det := detector.New(tun, logger, time.Now().UnixMicro())

	detStop := make(chan struct{})
	defer close(detStop)
	metrics.NewDetectorIntegration(prom, *flowID, det).StartMetricsCollection(time.Second, detStop)

	d := driver.New(driver.Config{
		FlowID:          *flowID,
		ControlInterval: time.Duration(*intervalMs) * time.Millisecond,
		MSS:             1460,
		PerfLog:         perfWriter,
		PerfInterval:    time.Duration(*perfIntervalMs) * time.Millisecond,
		Detector:        det,
	}, ctrlConn, data, logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nshutting down sender...")
		d.Stop()
	}()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- d.Run() }()

	// One write at most fills the pacer's 10-MSS burst allowance.
	chunk := make([]byte, 10*1460)
	for d.SentBytes() < *size {
		remaining := *size - d.SentBytes()
		n := len(chunk)
		if int64(n) > remaining {
			n = int(remaining)
		}
		if !d.WriteChunk(n, false) {
			time.Sleep(time.Millisecond)
			continue
		}
		if _, err := data.Write(chunk[:n]); err != nil {
			logger.Warn("data write failed", zap.Error(err))
			break
		}
	}
	d.Stop()

	if err := <-runErrCh; err != nil {
		logger.Warn("driver exited with error", zap.Error(err))
	}
	fmt.Printf("sent %d bytes\n", d.SentBytes())
}

func buildPolicy(pyhelper, model string) (inference.Policy, error) {
	if pyhelper == "" {
		return inference.NewLocalPolicy(observation.WindowSize), nil
	}
	hp := inference.NewHTTPPolicy(pyhelper, 0)
	if model != "" {
		if err := hp.Load(model); err != nil {
			return nil, fmt.Errorf("load model %q via pyhelper: %w", model, err)
		}
	}
	if _, err := hp.Evaluate([][]float32{make([]float32, observation.WindowSize)}); err != nil {
		return nil, fmt.Errorf("pyhelper warm-up: %w", err)
	}
	return hp, nil
}
