package instance

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"

	"github.com/runtarahq/runtara/internal/protocol"
	"github.com/runtarahq/runtara/pkg/api"
)

// Server is the instance plane protocol server.
type Server struct {
	proto *protocol.Server
}

// NewServer wires the instance handlers onto a protocol server.
func NewServer(addr string, tlsConf *tls.Config, h *Handlers, log *slog.Logger) *Server {
	ps := protocol.NewServer(addr, tlsConf, log)
	registerHandlers(ps, h)
	return &Server{proto: ps}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	return s.proto.Start(ctx)
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.proto.Addr()
}

func registerHandlers(ps *protocol.Server, h *Handlers) {
	ps.Handle(api.OpRegisterInstance, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.RegisterInstanceRequest](body)
		if err != nil {
			return nil, err
		}
		return h.RegisterInstance(ctx, req)
	})
	ps.Handle(api.OpCheckpoint, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.CheckpointRequest](body)
		if err != nil {
			return nil, err
		}
		return h.Checkpoint(ctx, req)
	})
	ps.Handle(api.OpGetCheckpoint, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.GetCheckpointRequest](body)
		if err != nil {
			return nil, err
		}
		return h.GetCheckpoint(ctx, req)
	})
	ps.Handle(api.OpSleep, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.SleepRequest](body)
		if err != nil {
			return nil, err
		}
		return h.Sleep(ctx, req)
	})
	ps.Handle(api.OpPollSignals, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.PollSignalsRequest](body)
		if err != nil {
			return nil, err
		}
		return h.PollSignals(ctx, req)
	})
	ps.Handle(api.OpSignalAck, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.SignalAckRequest](body)
		if err != nil {
			return nil, err
		}
		return h.SignalAck(ctx, req)
	})
	ps.Handle(api.OpInstanceEvent, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.InstanceEventRequest](body)
		if err != nil {
			return nil, err
		}
		return h.InstanceEvent(ctx, req)
	})
	ps.Handle(api.OpGetInstanceStatus, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.GetInstanceStatusRequest](body)
		if err != nil {
			return nil, err
		}
		return h.GetInstanceStatus(ctx, req)
	})
}
