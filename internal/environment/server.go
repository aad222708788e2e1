package environment

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"

	"github.com/runtarahq/runtara/internal/fault"
	"github.com/runtarahq/runtara/internal/protocol"
	"github.com/runtarahq/runtara/pkg/api"
)

// Server is the management protocol server of the environment plane.
type Server struct {
	proto *protocol.Server
}

// NewServer wires the management operations onto a protocol server.
func NewServer(addr string, tlsConf *tls.Config, svc *Service, log *slog.Logger) *Server {
	ps := protocol.NewServer(addr, tlsConf, log)
	registerHandlers(ps, svc)
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

func registerHandlers(ps *protocol.Server, svc *Service) {
	ps.Handle(api.OpHealth, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return svc.Health(ctx)
	})
	ps.Handle(api.OpRegisterImage, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.RegisterImageRequest](body)
		if err != nil {
			return nil, err
		}
		return svc.RegisterImage(ctx, req)
	})
	ps.HandleStream(api.OpRegisterImageStream, func(ctx context.Context, start json.RawMessage, stream *protocol.StreamReader) (any, error) {
		req, err := decode[api.RegisterImageStreamStart](start)
		if err != nil {
			return nil, err
		}
		return svc.RegisterImageStream(ctx, req, stream)
	})
	ps.Handle(api.OpListImages, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.ListImagesRequest](body)
		if err != nil {
			return nil, err
		}
		return svc.ListImages(ctx, req)
	})
	ps.Handle(api.OpGetImage, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.GetImageRequest](body)
		if err != nil {
			return nil, err
		}
		return svc.GetImage(ctx, req)
	})
	ps.Handle(api.OpDeleteImage, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.DeleteImageRequest](body)
		if err != nil {
			return nil, err
		}
		return svc.DeleteImage(ctx, req)
	})
	ps.Handle(api.OpStartInstance, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.StartInstanceRequest](body)
		if err != nil {
			return nil, err
		}
		return svc.StartInstance(ctx, req)
	})
	ps.Handle(api.OpStopInstance, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.StopInstanceRequest](body)
		if err != nil {
			return nil, err
		}
		return svc.StopInstance(ctx, req)
	})
	ps.Handle(api.OpResumeInstance, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.ResumeInstanceRequest](body)
		if err != nil {
			return nil, err
		}
		return svc.ResumeInstance(ctx, req)
	})
	ps.Handle(api.OpListInstances, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.ListInstancesRequest](body)
		if err != nil {
			return nil, err
		}
		return svc.ListInstances(ctx, req)
	})
	ps.Handle(api.OpGetInstanceStatus, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.GetInstanceStatusRequest](body)
		if err != nil {
			return nil, err
		}
		return svc.GetInstanceStatus(ctx, req)
	})
	ps.Handle(api.OpSendSignal, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.SendSignalRequest](body)
		if err != nil {
			return nil, err
		}
		return svc.SendSignal(ctx, req)
	})
	ps.Handle(api.OpSendCheckpointSignal, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.SendCheckpointSignalRequest](body)
		if err != nil {
			return nil, err
		}
		return svc.SendCheckpointSignal(ctx, req)
	})
	ps.Handle(api.OpListEvents, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.ListEventsRequest](body)
		if err != nil {
			return nil, err
		}
		return svc.ListEvents(ctx, req)
	})
	ps.Handle(api.OpListCheckpoints, func(ctx context.Context, body json.RawMessage) (any, error) {
		req, err := decode[api.ListCheckpointsRequest](body)
		if err != nil {
			return nil, err
		}
		return svc.ListCheckpoints(ctx, req)
	})
}

func decode[T any](body json.RawMessage) (*T, error) {
	var req T
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fault.Invalid("malformed request body").WithCause(err)
		}
	}
	return &req, nil
}
