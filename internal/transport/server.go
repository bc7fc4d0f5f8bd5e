// Package transport serves the Control gRPC service of a running sink.
package transport

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "mongosink/api/proto/v1"
	"mongosink/internal/config"
	"mongosink/internal/logging"
	"mongosink/internal/writer"
)

// Pipeline is what the control service inspects and stops; *writer.Writer
// satisfies it.
type Pipeline interface {
	State() writer.State
	Fault() error
	Close() error
}

type Server struct {
	grpc *grpc.Server
	lis  net.Listener
}

func StartServer(port int, p Pipeline) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return newServer(lis, p), nil
}

func newServer(lis net.Listener, p Pipeline) *Server {
	s := &Server{
		grpc: grpc.NewServer(),
		lis:  lis,
	}
	pb.RegisterControlServer(s.grpc, &control{p: p})
	return s
}

func (s *Server) Serve() error {
	return s.grpc.Serve(s.lis)
}

func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

type control struct {
	pb.UnimplementedControlServer
	p Pipeline
}

func (c *control) Ping(context.Context, *pb.PingRequest) (*pb.PingReply, error) {
	if err := c.p.Fault(); err != nil {
		return &pb.PingReply{Status: "faulted: " + err.Error()}, nil
	}
	return &pb.PingReply{Status: c.p.State().String()}, nil
}

func (c *control) PausePipeline(_ context.Context, req *pb.PauseRequest) (*pb.PauseReply, error) {
	logging.L().Info("control: pause requested", "id", req.GetId())
	if err := c.p.Close(); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &pb.PauseReply{Ok: true}, nil
}

// DeployPipeline only validates; the running pipeline is fixed at startup.
func (c *control) DeployPipeline(_ context.Context, req *pb.DeployRequest) (*pb.DeployReply, error) {
	d, err := config.ParseDescriptor([]byte(req.GetYaml()))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return nil, status.Errorf(codes.Unimplemented, "pipeline %q is valid but runtime deploy is not supported; restart with the new config", d.Name)
}
