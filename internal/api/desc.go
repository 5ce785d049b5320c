package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "matchwire.v1.Control"

// Method names.
const (
	MethodGetStatus         = "GetStatus"
	MethodConnect           = "Connect"
	MethodSendMessage       = "SendMessage"
	MethodMarkRead          = "MarkRead"
	MethodSetTyping         = "SetTyping"
	MethodSetActiveChat     = "SetActiveChat"
	MethodGetPresence       = "GetPresence"
	MethodListConversations = "ListConversations"
	MethodListMessages      = "ListMessages"
	MethodListReceipts      = "ListReceipts"
	MethodReset             = "Reset"
	MethodResume            = "Resume"
	MethodLogout            = "Logout"
	MethodWatchEvents       = "WatchEvents"
)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ControlServer is the server side of the control API.
type ControlServer interface {
	GetStatus(context.Context, *Empty) (*StatusResponse, error)
	Connect(context.Context, *Empty) (*StateResponse, error)
	SendMessage(context.Context, *SendRequest) (*SendResponse, error)
	MarkRead(context.Context, *MarkReadRequest) (*MarkReadResponse, error)
	SetTyping(context.Context, *TypingRequest) (*Empty, error)
	SetActiveChat(context.Context, *ActiveChatRequest) (*Empty, error)
	GetPresence(context.Context, *PresenceRequest) (*PresenceResponse, error)
	ListConversations(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	ListReceipts(context.Context, *ListReceiptsRequest) (*ListReceiptsResponse, error)
	Reset(context.Context, *ResetRequest) (*ResetResponse, error)
	Resume(context.Context, *Empty) (*StateResponse, error)
	Logout(context.Context, *Empty) (*Empty, error)
	WatchEvents(*WatchRequest, EventStream) error
}

// EventStream is the server side of a WatchEvents call.
type EventStream interface {
	Send(*Event) error
	Context() context.Context
}

// ServiceDesc describes the control API. Bodies are structpb.Struct
// messages, so no generated code is needed on either side.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, ControlServer.GetStatus),
		unary(MethodConnect, ControlServer.Connect),
		unary(MethodSendMessage, ControlServer.SendMessage),
		unary(MethodMarkRead, ControlServer.MarkRead),
		unary(MethodSetTyping, ControlServer.SetTyping),
		unary(MethodSetActiveChat, ControlServer.SetActiveChat),
		unary(MethodGetPresence, ControlServer.GetPresence),
		unary(MethodListConversations, ControlServer.ListConversations),
		unary(MethodListMessages, ControlServer.ListMessages),
		unary(MethodListReceipts, ControlServer.ListReceipts),
		unary(MethodReset, ControlServer.Reset),
		unary(MethodResume, ControlServer.Resume),
		unary(MethodLogout, ControlServer.Logout),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Resp any](name string, fn func(ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, body any) (any, error) {
				req := new(Req)
				if err := fromStruct(body.(*structpb.Struct), req); err != nil {
					return nil, invalid("%v", err)
				}
				resp, err := fn(srv.(ControlServer), ctx, req)
				if err != nil {
					return nil, err
				}
				return toStruct(resp)
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, call)
		},
	}
}

type eventStream struct {
	grpc.ServerStream
}

func (s eventStream) Send(evt *Event) error {
	body, err := toStruct(evt)
	if err != nil {
		return err
	}
	return s.SendMsg(body)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	req := new(WatchRequest)
	if err := fromStruct(in, req); err != nil {
		return invalid("%v", err)
	}
	return srv.(ControlServer).WatchEvents(req, eventStream{stream})
}
