// Command cc-receiver is the "client" role of a flow in the original
// new_client_receiver.cc naming: it dials a cc-sender's listening port,
// drains the bulk payload, and appends its own performance-log view of the
// connection (throughput and kernel telemetry) without running any control
// loop of its own — congestion-control decisions are entirely sender-side.
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"astraea-cc/internal/astraea/driver"
)

func main() {
	color.Cyan("==============================")
	color.Cyan("  Astraea congestion-control receiver")
	color.Cyan("==============================")

	ip := flag.String("ip", "127.0.0.1", "sender IP address to dial")
	port := flag.Int("port", 5201, "sender TCP port to dial")
	cong := flag.String("cong", "", "socket-level TCP_CONGESTION algorithm to request (empty: leave host default)")
	size := flag.Int64("size", 0, "total bytes expected (required, > 0)")
	perfLog := flag.String("perf-log", "", "path to append the tab-separated performance log to (empty disables)")
	perfIntervalMs := flag.Int("perf-interval", 1000, "performance-log row cadence, in milliseconds")
	flag.Parse()

	if *size <= 0 {
		fmt.Println("--size is required and must be > 0")
		os.Exit(1)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()

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

	addr := fmt.Sprintf("%s:%d", *ip, *port)
	fmt.Printf("dialing sender at %s\n", addr)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Printf("dial %s: %v\n", addr, err)
		os.Exit(1)
	}
	data, ok := conn.(*net.TCPConn)
	if !ok {
		fmt.Println("dialed connection is not TCP")
		os.Exit(1)
	}
	defer data.Close()

	if err := driver.SetCongestionControl(data, *cong); err != nil {
		logger.Warn("failed to apply --cong", zap.String("cong", *cong), zap.Error(err))
	}

	stop := make(chan struct{})
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nshutting down receiver...")
		close(stop)
		data.Close()
	}()

	var received int64
	var tickCount uint64
	buf := make([]byte, 64*1024)
	perfInterval := time.Duration(*perfIntervalMs) * time.Millisecond
	lastPerfLog := time.Now()

readLoop:
	for received < *size {
		n, err := data.Read(buf)
		received += int64(n)

		if perfWriter != nil && time.Since(lastPerfLog) >= perfInterval {
			lastPerfLog = time.Now()
			tickCount++
			if sample, serr := driver.SampleTelemetry(data); serr == nil {
				_ = perfWriter.Write(driver.PerfLogRow{
					MinRTT:        sample.MinRTT,
					AvgURTT:       sample.AvgURTT,
					Cnt:           tickCount,
					SRTTUs:        sample.SRTTUs,
					AvgThr:        sample.AvgThr,
					ThrCnt:        tickCount,
					PacingRate:    sample.PacingRate,
					LossBytes:     sample.Lost,
					PacketsOut:    sample.PacketsOut,
					RetransOut:    sample.RetransOut,
					MaxPacketsOut: sample.PacketsOut,
					CwndKernel:    sample.Cwnd,
				})
			} else {
				logger.Debug("perf-log telemetry sample failed", zap.Error(serr))
			}
		}

		if err != nil {
			if err != io.EOF {
				logger.Warn("data read failed", zap.Error(err))
			}
			break
		}

		select {
		case <-stop:
			break readLoop
		default:
		}
	}

	fmt.Printf("received %d bytes\n", received)
}
