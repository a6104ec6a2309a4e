package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"astraea-cc/internal/astraea/wire"
)

// ServeUnix listens on a Unix-domain stream socket at path and serves
// connections until the listener is closed or ctxDone is closed. One
// FlowContext lifetime equals one connection: a session's flows are
// destroyed when its connection drops, not just on explicit END.
func (s *Server) ServeUnix(path string, ctxDone <-chan struct{}) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}

	go func() {
		<-ctxDone
		ln.Close()
	}()

	s.logger.Info("unix control-plane listener started", zap.String("path", path))

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctxDone:
				return nil
			default:
				s.logger.Warn("unix accept error", zap.Error(err))
				return err
			}
		}
		go s.serveStreamSession(conn)
	}
}

// serveStreamSession drives one connection's request loop: every frame is a
// JSON envelope dispatched per its type; the loop exits on read error or an
// END message, at which point every flow this session registered is
// destroyed.
func (s *Server) serveStreamSession(conn net.Conn) {
	sessionID := xid.New().String()
	log := s.logger.With(zap.String("session_id", sessionID))
	log.Info("session accepted", zap.String("remote", conn.RemoteAddr().String()))

	var mu sync.Mutex
	var ownedFlows []int
	writeFrame := func(payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		return wire.WriteMessage(conn, payload)
	}

	defer func() {
		s.registry.removeAll(ownedFlows)
		if s.prom != nil {
			s.prom.FlowsActive.Set(float64(s.registry.count()))
		}
		conn.Close()
		log.Info("session closed", zap.Int("flows_released", len(ownedFlows)))
	}()

	for {
		payload, err := wire.ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("session read error, closing", zap.Error(err))
			}
			return
		}

		env, err := wire.DecodeEnvelope(payload)
		if err != nil {
			log.Warn("session decode error, skipping message", zap.Error(err))
			continue
		}

		switch env.Type {
		case wire.Start:
			assigned := s.handleStart(env.FlowID)
			ownedFlows = append(ownedFlows, assigned)
			reply, err := json.Marshal(wire.StartReply{FlowID: assigned})
			if err != nil {
				log.Error("marshal START reply failed", zap.Error(err))
				continue
			}
			if err := writeFrame(reply); err != nil {
				log.Warn("write START reply failed, closing", zap.Error(err))
				return
			}

		case wire.Alive:
			s.handleAlive(env.FlowID, env.State, func(payload []byte, err error) {
				if err != nil {
					log.Warn("ALIVE dispatch failed", zap.Int("flow_id", env.FlowID), zap.Error(err))
					return
				}
				if werr := writeFrame(payload); werr != nil {
					log.Warn("write ALIVE reply failed", zap.Int("flow_id", env.FlowID), zap.Error(werr))
				}
			})

		case wire.End:
			log.Info("flow removed", zap.Int("flow_id", env.FlowID))
			s.handleEnd(env.FlowID)
			return

		default:
			// Unknown types are silently ignored.
		}
	}
}
