// Package server implements the control-plane endpoint (C2): it accepts
// START/ALIVE/END requests over either a Unix-domain stream or a UDP
// datagram transport, runs each ALIVE through the observation pipeline and
// inference engine, and replies with the resulting cwnd. Both transports
// share one flow registry and one Server, differing only in how a request
// arrives and how a reply is sent back.
package server

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"astraea-cc/internal/astraea/inference"
	"astraea-cc/internal/astraea/observation"
	"astraea-cc/internal/astraea/wire"
	"astraea-cc/internal/metrics"
)

// Config configures a Server.
type Config struct {
	// Policy backs the inference engine; see internal/astraea/inference.
	Policy inference.Policy
	// Batch selects batched (true) vs. immediate (false) evaluation.
	Batch bool

	Prom *metrics.PrometheusMetrics
	HDR  *metrics.HDRMetrics
}

// Server owns the flow registry and inference engine shared by every
// transport listener registered against it.
type Server struct {
	logger   *zap.Logger
	registry *registry
	engine   *inference.Engine
	prom     *metrics.PrometheusMetrics
	hdr      *metrics.HDRMetrics
	isBatch  bool
}

// New builds a Server. logger may be nil (a no-op logger is substituted).
func New(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:   logger,
		registry: newRegistry(),
		prom:     cfg.Prom,
		hdr:      cfg.HDR,
		isBatch:  cfg.Batch,
	}
	s.engine = inference.New(cfg.Policy, cfg.Batch, logger)
	s.engine.OnEvaluated(func(n int, elapsed time.Duration, _ error) {
		if s.prom == nil {
			return
		}
		s.prom.InferenceRequests.Add(float64(n))
		s.prom.InferenceLatency.Observe(elapsed.Seconds())
	})
	return s
}

// Stop drains and stops the inference engine's batch worker, if running.
func (s *Server) Stop() {
	if s.engine != nil {
		s.engine.Stop()
	}
}

// handleStart handles a START request: register a context for flowID
// (reassigning on collision) and return the assigned id.
func (s *Server) handleStart(flowID int) int {
	assigned, collided := s.registry.register(flowID)
	if s.prom != nil {
		s.prom.FlowsRegistered.Inc()
		s.prom.FlowsActive.Set(float64(s.registry.count()))
		if collided {
			s.prom.FlowIDCollisions.Inc()
		}
	}
	if collided {
		s.logger.Warn("flow id collision, reassigned",
			zap.Int("requested_flow_id", flowID), zap.Int("assigned_flow_id", assigned))
	} else {
		s.logger.Info("flow registered", zap.Int("flow_id", assigned))
	}
	return assigned
}

// handleEnd handles an END request: destroy the context. Unknown ids are a
// silent no-op.
func (s *Server) handleEnd(flowID int) {
	if s.registry.remove(flowID) && s.prom != nil {
		s.prom.FlowsEnded.Inc()
		s.prom.FlowsActive.Set(float64(s.registry.count()))
	}
}

// handleAlive handles an ALIVE request: run the observation pipeline, then
// dispatch to the inference engine (immediate or batched per Config.Batch),
// invoking onReply exactly once with the encoded wire reply or an error.
// Unknown flow ids and undecodable state payloads are logged and produce no
// reply at all.
func (s *Server) handleAlive(flowID int, statePayload []byte, onReply func(payload []byte, err error)) {
	ctx, ok := s.registry.get(flowID)
	if !ok {
		s.logger.Warn("ALIVE for unknown flow", zap.Int("flow_id", flowID))
		return
	}

	var t observation.Telemetry
	if err := json.Unmarshal(statePayload, &t); err != nil {
		s.logger.Warn("ALIVE state decode failed", zap.Int("flow_id", flowID), zap.Error(err))
		return
	}

	window := ctx.FormatState(t)
	obs := make([]float32, observation.WindowSize)
	copy(obs, window[:])

	if s.prom != nil {
		s.prom.ObservationsTotal.Inc()
	}
	if s.hdr != nil {
		s.hdr.IncrementObservations()
		s.hdr.RecordFlowRTT(t.SRTTUs)
	}

	cwndBase := float64(t.Cwnd)
	reply := func(action float32, info string) {
		if info != "" {
			if s.prom != nil {
				s.prom.InferenceErrors.Inc()
			}
			if s.hdr != nil {
				s.hdr.IncrementInferenceErrors()
			}
			s.logger.Error("inference failed, dropping reply",
				zap.Int("flow_id", flowID), zap.String("info", info))
			onReply(nil, fmt.Errorf("server: inference failed: %s", info))
			return
		}

		newCwnd := observation.MapAction(float64(action), cwndBase)
		if s.prom != nil {
			s.prom.CwndAssigned.Observe(float64(newCwnd))
		}
		payload, err := json.Marshal(wire.AliveReply{FlowID: flowID, Cwnd: newCwnd})
		if err != nil {
			onReply(nil, fmt.Errorf("server: marshal ALIVE reply: %w", err))
			return
		}
		onReply(payload, nil)
	}

	if s.engine == nil {
		return
	}
	if s.isBatch {
		s.engine.Submit(flowID, obs, reply)
	} else {
		s.engine.InferenceImdt(flowID, obs, reply)
	}
}
