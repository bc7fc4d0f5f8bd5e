package transport

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	pb "mongosink/api/proto/v1"
)

// Client is a Control client that owns its connection.
type Client struct {
	pb.ControlClient
	cc *grpc.ClientConn
}

func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{ControlClient: pb.NewControlClient(cc), cc: cc}, nil
}

func (c *Client) Close() error { return c.cc.Close() }
