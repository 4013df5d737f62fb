package ipc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls bitalk.v1.Agent over a Unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for the agent listening on socketPath. The
// connection is established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Nearby returns the agent's current peers, nearest first.
func (c *Client) Nearby(ctx context.Context) ([]Peer, error) {
	out, err := c.call(ctx, nearbyMethod)
	if err != nil {
		return nil, err
	}
	return decodePeers(out)
}

// Status returns the agent's service status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	out, err := c.call(ctx, statusMethod)
	if err != nil {
		return Status{}, err
	}
	return decodeStatus(out), nil
}

// Profile returns the profile the agent advertises.
func (c *Client) Profile(ctx context.Context) (Profile, error) {
	out, err := c.call(ctx, profileMethod)
	if err != nil {
		return Profile{}, err
	}
	return decodeProfile(out), nil
}

func (c *Client) call(ctx context.Context, method string) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}
