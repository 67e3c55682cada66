package codec

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"

	"github.com/danielpatrickdp/structgate/internal/model"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Factory builds the model backing a new session.
type Factory func(prompt string, maxTokens int) (model.Model, error)

// #region server
// Server exposes local models over the model service. One model instance is
// created per session and dropped when it reports the end of generation.
type Server struct {
	factory Factory

	mu       sync.Mutex
	sessions map[string]*serverSession
}

type serverSession struct {
	mu   sync.Mutex
	m    model.Model
	next int
}

// NewServer creates a server building session models with factory.
func NewServer(factory Factory) *Server {
	return &Server{factory: factory, sessions: make(map[string]*serverSession)}
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Step serves one token of a session.
func (s *Server) Step(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	sess, err := s.session(req)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if req.Step != sess.next {
		return nil, status.Errorf(codes.FailedPrecondition, "session %s: expected step %d, got %d", req.Session, sess.next, req.Step)
	}

	tr, err := sess.m.Next(ctx)
	if errors.Is(err, io.EOF) {
		s.drop(req.Session)
		return encodeTrace(model.StepTrace{}, true)
	}
	if err != nil {
		log.Printf("[CODEC] session %s step %d: %v", req.Session, req.Step, err)
		return nil, status.Errorf(codes.Internal, "model next: %v", err)
	}
	sess.next++
	out, err := encodeTrace(tr, false)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode trace: %v", err)
	}
	return out, nil
}

func (s *Server) session(req StepRequest) (*serverSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[req.Session]; ok {
		return sess, nil
	}
	if req.Step != 0 {
		return nil, status.Errorf(codes.NotFound, "unknown session %s", req.Session)
	}
	m, err := s.factory(req.Prompt, req.MaxTokens)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "create model: %v", err)
	}
	sess := &serverSession{m: m}
	s.sessions[req.Session] = sess
	return sess, nil
}

func (s *Server) drop(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// #endregion server
