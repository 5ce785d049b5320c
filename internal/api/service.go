// Package api implements the daemon control API served over the
// profile's Unix socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/matchwire/internal/bus"
	"github.com/matheus3301/matchwire/internal/conn"
	"github.com/matheus3301/matchwire/internal/dedup"
	"github.com/matheus3301/matchwire/internal/inbox"
	"github.com/matheus3301/matchwire/internal/logging"
	"github.com/matheus3301/matchwire/internal/outbox"
	"github.com/matheus3301/matchwire/internal/presence"
	"github.com/matheus3301/matchwire/internal/protocol"
	"github.com/matheus3301/matchwire/internal/receipts"
	"github.com/matheus3301/matchwire/internal/store"
	"github.com/matheus3301/matchwire/internal/typing"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const defaultPageSize = 50

// Deps are the per-profile components the service drives.
type Deps struct {
	Profile  string
	UserID   string
	Manager  *conn.Manager
	Outbox   *outbox.Outbox
	Dedup    *dedup.Store
	Presence *presence.Tracker
	Typing   *typing.Coordinator
	Receipts *receipts.Journal
	Inbox    *inbox.Engine
	DB       *store.DB
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// Service implements ControlServer.
type Service struct {
	Deps
	startedAt time.Time
	now       func() time.Time
}

var _ ControlServer = (*Service)(nil)

// NewService creates the control service.
func NewService(d Deps) *Service {
	d.Logger = logging.OrNop(d.Logger).Named("api")
	return &Service{Deps: d, startedAt: time.Now(), now: time.Now}
}

func invalid(format string, args ...any) error {
	return grpcstatus.Errorf(codes.InvalidArgument, format, args...)
}

// connError maps manager errors to status codes.
func connError(err error) error {
	switch {
	case errors.Is(err, conn.ErrAuthRejected):
		return grpcstatus.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, conn.ErrClosed):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}

func (s *Service) GetStatus(_ context.Context, _ *Empty) (*StatusResponse, error) {
	info := s.Manager.Info()
	resp := &StatusResponse{
		Profile:    s.Profile,
		UserID:     s.UserID,
		State:      string(info.State),
		Token:      info.Token,
		Attempts:   info.Attempts,
		UptimeMs:   time.Since(s.startedAt).Milliseconds(),
		BusDropped: s.Bus.Dropped(),
	}
	if info.Err != nil {
		resp.AuthError = info.Err.Error()
	}
	if info.LastError != nil {
		resp.LastError = info.LastError.Error()
	}
	if s.Outbox != nil {
		resp.Outbox = s.Outbox.Len()
	}
	if s.Dedup != nil {
		st := s.Dedup.Stats()
		resp.DedupIDs, resp.DedupFingerprints = st.IDs, st.Fingerprints
	}
	if s.DB != nil {
		if n, err := s.DB.ConversationCount(); err == nil {
			resp.Conversations = n
		}
		if n, err := s.DB.MessageCount(); err == nil {
			resp.Messages = n
		}
	}
	return resp, nil
}

func (s *Service) Connect(_ context.Context, _ *Empty) (*StateResponse, error) {
	if err := s.Manager.Connect(); err != nil {
		return nil, connError(err)
	}
	return &StateResponse{State: string(s.Manager.State())}, nil
}

func (s *Service) SendMessage(_ context.Context, req *SendRequest) (*SendResponse, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, invalid("content is required")
	}
	id := req.ClientMessageID
	if id == "" {
		id = uuid.NewString()
	}
	m := &protocol.OutboundMessage{
		MatchID:         protocol.ID(req.MatchID),
		ReceiverID:      protocol.ID(req.ReceiverID),
		Content:         req.Content,
		ClientMessageID: id,
	}
	if err := protocol.Validate(m); err != nil {
		return nil, invalid("%v", err)
	}
	if s.Inbox != nil {
		if err := s.Inbox.RecordOutgoing(m, s.now()); err != nil {
			s.Logger.Warn("failed to record outgoing message", zap.Error(err), zap.String("client_msg_id", id))
		}
	}
	sent := s.Manager.Send(m)
	s.Logger.Debug("message submitted", zap.String("client_msg_id", id), zap.Bool("sent", sent))
	return &SendResponse{ClientMessageID: id, Sent: sent}, nil
}

// MarkRead acknowledges messages of the peer and clears the unread
// counter. The acknowledgment is journaled so it survives a restart.
func (s *Service) MarkRead(_ context.Context, req *MarkReadRequest) (*MarkReadResponse, error) {
	if req.MatchID == "" || len(req.MessageIDs) == 0 {
		return nil, invalid("matchId and messageIds are required")
	}
	readAt := s.now().UnixMilli()
	resp := &MarkReadResponse{}
	if s.DB != nil {
		n, err := s.DB.MarkRead(req.MatchID, req.MessageIDs, readAt)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "mark read: %v", err)
		}
		resp.Updated = n
		if err := s.DB.ClearUnread(req.MatchID); err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "clear unread: %v", err)
		}
	}
	if s.Receipts != nil {
		s.Receipts.Record(req.MatchID, s.UserID, req.MessageIDs, readAt)
	}

	r := &protocol.ReadReceipt{
		Kind:    protocol.TypeMessageRead,
		MatchID: protocol.ID(req.MatchID),
		UserID:  protocol.ID(s.UserID),
		ReadAt:  readAt,
	}
	if len(req.MessageIDs) == 1 {
		r.Kind = protocol.TypeReadReceipt
		r.MessageID = protocol.ID(req.MessageIDs[0])
	} else {
		for _, id := range req.MessageIDs {
			r.MessageIDs = append(r.MessageIDs, protocol.ID(id))
		}
	}
	resp.Sent = s.Manager.Send(r)
	return resp, nil
}

func (s *Service) SetTyping(_ context.Context, req *TypingRequest) (*Empty, error) {
	if req.MatchID == "" {
		return nil, invalid("matchId is required")
	}
	if req.Typing {
		s.Typing.Start(req.MatchID)
	} else {
		s.Typing.Stop(req.MatchID)
	}
	return &Empty{}, nil
}

func (s *Service) SetActiveChat(_ context.Context, req *ActiveChatRequest) (*Empty, error) {
	if req.MatchID == "" {
		return nil, invalid("matchId is required")
	}
	s.Typing.SetActiveConversation(req.MatchID, req.Active)
	return &Empty{}, nil
}

func (s *Service) GetPresence(_ context.Context, req *PresenceRequest) (*PresenceResponse, error) {
	if req.UserID != "" {
		e, ok := s.Presence.Get(req.UserID)
		if !ok {
			return nil, grpcstatus.Errorf(codes.NotFound, "no presence for user %s", req.UserID)
		}
		return &PresenceResponse{Entries: []presence.Entry{e}}, nil
	}
	return &PresenceResponse{Entries: s.Presence.Snapshot()}, nil
}

func (s *Service) ListConversations(_ context.Context, req *ListConversationsRequest) (*ListConversationsResponse, error) {
	convs, err := s.DB.ListConversations(req.Limit, req.Offset)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list conversations: %v", err)
	}
	resp := &ListConversationsResponse{Conversations: make([]Conversation, 0, len(convs))}
	for _, c := range convs {
		out := Conversation{
			MatchID:            c.MatchID,
			PeerID:             c.PeerID,
			UnreadCount:        c.UnreadCount,
			LastMessageAt:      c.LastMessageAt,
			LastMessagePreview: c.LastMessagePreview,
		}
		if s.Typing != nil {
			out.Typing = s.Typing.Typing(c.MatchID)
		}
		resp.Conversations = append(resp.Conversations, out)
	}
	return resp, nil
}

func (s *Service) ListMessages(_ context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	var (
		msgs []store.Message
		err  error
	)
	switch {
	case req.Query != "":
		msgs, err = s.DB.SearchMessages(req.Query, req.MatchID, limit)
	case req.MatchID != "":
		msgs, err = s.DB.ListMessages(req.MatchID, req.BeforeTs, limit)
	default:
		return nil, invalid("matchId or query is required")
	}
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
	}
	resp := &ListMessagesResponse{Messages: make([]Message, 0, len(msgs)), HasMore: len(msgs) == limit}
	for i := range msgs {
		resp.Messages = append(resp.Messages, messageFromStore(&msgs[i]))
	}
	return resp, nil
}

func (s *Service) ListReceipts(_ context.Context, req *ListReceiptsRequest) (*ListReceiptsResponse, error) {
	if req.MatchID == "" {
		return nil, invalid("matchId is required")
	}
	recs, err := s.Receipts.ForConversation(req.MatchID)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list receipts: %v", err)
	}
	if recs == nil {
		recs = []receipts.Record{}
	}
	return &ListReceiptsResponse{Receipts: recs}, nil
}

func (s *Service) Reset(_ context.Context, req *ResetRequest) (*ResetResponse, error) {
	if req.Reconnect {
		if err := s.Manager.Reconnect(); err != nil {
			return nil, connError(err)
		}
	} else {
		s.Manager.Reset()
	}
	return &ResetResponse{Token: s.Manager.Token(), State: string(s.Manager.State())}, nil
}

func (s *Service) Resume(_ context.Context, _ *Empty) (*StateResponse, error) {
	if err := s.Manager.Resume(); err != nil {
		return nil, connError(err)
	}
	return &StateResponse{State: string(s.Manager.State())}, nil
}

// Logout drops the connection and every piece of session state: queued
// envelopes, both dedup tiers and the receipt journal.
func (s *Service) Logout(_ context.Context, _ *Empty) (*Empty, error) {
	s.Manager.Reset()
	if s.Outbox != nil {
		s.Outbox.Clear()
	}
	if s.Dedup != nil {
		s.Dedup.Reset(dedup.ResetAll)
	}
	if s.Receipts != nil {
		s.Receipts.ClearAll()
	}
	s.Logger.Info("logged out", zap.String("profile", s.Profile))
	return &Empty{}, nil
}

func (s *Service) WatchEvents(req *WatchRequest, stream EventStream) error {
	ch, unsub := s.Bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := encodeEvent(evt)
			if err != nil {
				s.Logger.Warn("skipping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func encodeEvent(evt bus.Event) (*Event, error) {
	out := &Event{
		ID:               uuid.NewString(),
		Namespace:        evt.Namespace(),
		Kind:             evt.Kind,
		OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
	}
	if evt.Payload != nil {
		payload := evt.Payload
		if err, ok := payload.(error); ok {
			payload = map[string]string{"error": err.Error()}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", evt.Kind, err)
		}
		out.Payload = data
	}
	return out, nil
}
