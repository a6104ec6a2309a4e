package server

import (
	"bytes"
	"encoding/json"
	"net"
	"sync"

	"go.uber.org/zap"

	"astraea-cc/internal/astraea/wire"
)

// ServeUDP listens on a UDP socket at addr (host:port) and serves datagrams
// until the socket is closed or ctxDone fires. Unlike the stream transport,
// a UDP flow context is connectionless: it lives from START until an
// explicit END.
func (s *Server) ServeUDP(addr string, ctxDone <-chan struct{}) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctxDone
		conn.Close()
	}()

	s.logger.Info("udp control-plane listener started", zap.String("addr", addr))

	var writeMu sync.Mutex
	buf := make([]byte, wire.MaxMessageLen+2)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctxDone:
				return nil
			default:
				s.logger.Warn("udp read error", zap.Error(err))
				return err
			}
		}

		payload, err := wire.ReadMessage(bytes.NewReader(buf[:n]))
		if err != nil {
			s.logger.Warn("udp datagram framing error, dropping", zap.Error(err), zap.Stringer("peer", peer))
			continue
		}

		env, err := wire.DecodeEnvelope(payload)
		if err != nil {
			s.logger.Warn("udp decode error, dropping", zap.Error(err), zap.Stringer("peer", peer))
			continue
		}

		s.handleUDPMessage(conn, peer, env, &writeMu)
	}
}

func (s *Server) handleUDPMessage(conn net.PacketConn, peer net.Addr, env wire.Envelope, writeMu *sync.Mutex) {
	switch env.Type {
	case wire.Start:
		assigned := s.handleStart(env.FlowID)
		reply, err := json.Marshal(wire.StartReply{FlowID: assigned})
		if err != nil {
			s.logger.Error("marshal START reply failed", zap.Error(err))
			return
		}
		writeUDPFrame(conn, peer, reply, writeMu, s.logger)

	case wire.Alive:
		s.handleAlive(env.FlowID, env.State, func(payload []byte, err error) {
			if err != nil {
				s.logger.Warn("ALIVE dispatch failed", zap.Int("flow_id", env.FlowID), zap.Error(err))
				return
			}
			writeUDPFrame(conn, peer, payload, writeMu, s.logger)
		})

	case wire.End:
		s.handleEnd(env.FlowID)

	default:
		// Unknown types are silently ignored.
	}
}

func writeUDPFrame(conn net.PacketConn, peer net.Addr, payload []byte, mu *sync.Mutex, logger *zap.Logger) {
	framed, err := wire.Frame(payload)
	if err != nil {
		logger.Error("frame UDP reply failed", zap.Error(err))
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if _, err := conn.WriteTo(framed, peer); err != nil {
		logger.Warn("udp write error", zap.Error(err), zap.Stringer("peer", peer))
	}
}
