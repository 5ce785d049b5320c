package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a daemon over its Unix socket.
type Client struct {
	cc *grpc.ClientConn
}

// Dial creates a client for the daemon listening on socketPath. The
// connection is established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	cc, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{cc: cc}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.cc.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := fromStruct(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, MethodGetStatus, Empty{})
}

func (c *Client) Connect(ctx context.Context) (*StateResponse, error) {
	return invoke[StateResponse](ctx, c, MethodConnect, Empty{})
}

func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	return invoke[SendResponse](ctx, c, MethodSendMessage, req)
}

func (c *Client) MarkRead(ctx context.Context, req *MarkReadRequest) (*MarkReadResponse, error) {
	return invoke[MarkReadResponse](ctx, c, MethodMarkRead, req)
}

func (c *Client) SetTyping(ctx context.Context, req *TypingRequest) error {
	_, err := invoke[Empty](ctx, c, MethodSetTyping, req)
	return err
}

func (c *Client) SetActiveChat(ctx context.Context, req *ActiveChatRequest) error {
	_, err := invoke[Empty](ctx, c, MethodSetActiveChat, req)
	return err
}

func (c *Client) GetPresence(ctx context.Context, req *PresenceRequest) (*PresenceResponse, error) {
	return invoke[PresenceResponse](ctx, c, MethodGetPresence, req)
}

func (c *Client) ListConversations(ctx context.Context, req *ListConversationsRequest) (*ListConversationsResponse, error) {
	return invoke[ListConversationsResponse](ctx, c, MethodListConversations, req)
}

func (c *Client) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	return invoke[ListMessagesResponse](ctx, c, MethodListMessages, req)
}

func (c *Client) ListReceipts(ctx context.Context, req *ListReceiptsRequest) (*ListReceiptsResponse, error) {
	return invoke[ListReceiptsResponse](ctx, c, MethodListReceipts, req)
}

func (c *Client) Reset(ctx context.Context, req *ResetRequest) (*ResetResponse, error) {
	return invoke[ResetResponse](ctx, c, MethodReset, req)
}

func (c *Client) Resume(ctx context.Context) (*StateResponse, error) {
	return invoke[StateResponse](ctx, c, MethodResume, Empty{})
}

func (c *Client) Logout(ctx context.Context) error {
	_, err := invoke[Empty](ctx, c, MethodLogout, Empty{})
	return err
}

// EventReader yields events from a WatchEvents stream.
type EventReader struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event. It returns io.EOF when the daemon ends
// the stream.
func (r *EventReader) Recv() (*Event, error) {
	out := new(structpb.Struct)
	if err := r.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	evt := new(Event)
	if err := fromStruct(out, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// WatchEvents streams bus events whose kind starts with prefix until ctx
// is cancelled.
func (c *Client) WatchEvents(ctx context.Context, prefix string) (*EventReader, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod(MethodWatchEvents))
	if err != nil {
		return nil, err
	}
	in, err := toStruct(&WatchRequest{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventReader{stream: stream}, nil
}
