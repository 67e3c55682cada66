package codec

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/danielpatrickdp/structgate/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region mock
type mockModelService struct {
	ModelServiceClient

	responses []*structpb.Struct
	stepErr   error
	requests  []StepRequest
}

func (m *mockModelService) Step(_ context.Context, in *structpb.Struct, _ ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, err
	}
	m.requests = append(m.requests, req)
	if m.stepErr != nil {
		return nil, m.stepErr
	}
	if len(m.responses) == 0 {
		return structpb.NewStruct(map[string]any{"done": true})
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func mustTrace(t *testing.T, tr model.StepTrace) *structpb.Struct {
	t.Helper()
	s, err := encodeTrace(tr, false)
	if err != nil {
		t.Fatalf("encode trace: %v", err)
	}
	return s
}

// #endregion mock

// #region constructor-tests
func TestNewClient_LazyConnect(t *testing.T) {
	client, err := NewClient("localhost:0", "hi", 4)
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	defer client.Close()
	if client.SessionID() == "" {
		t.Error("expected session id")
	}
}

func TestNewClient_RejectsZeroTokens(t *testing.T) {
	if _, err := NewClient("localhost:0", "hi", 0); err == nil {
		t.Fatal("expected error for max tokens 0")
	}
}

func TestNewClientWithService_CloseWithoutConn(t *testing.T) {
	c := NewClientWithService(&mockModelService{}, "", 1)
	if err := c.Close(); err != nil {
		t.Errorf("close without conn: %v", err)
	}
}

// #endregion constructor-tests

// #region next-tests
func TestNext_DecodesTraceAndAdvances(t *testing.T) {
	mock := &mockModelService{responses: []*structpb.Struct{
		mustTrace(t, model.StepTrace{
			Index:  0,
			Token:  "hello",
			Probs:  []float64{0.7, 0.3},
			Layers: map[string][]float64{model.LayerLast: {1, 2, 3}},
		}),
		mustTrace(t, model.StepTrace{Index: 1, Token: "world", Logits: []float64{2, 1}}),
	}}
	c := NewClientWithService(mock, "prompt", 8)
	ctx := context.Background()

	tr, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if tr.Token != "hello" || len(tr.Probs) != 2 || tr.Probs[0] != 0.7 {
		t.Errorf("unexpected trace %+v", tr)
	}
	if got := tr.Layers[model.LayerLast]; len(got) != 3 || got[2] != 3 {
		t.Errorf("unexpected layer %v", got)
	}

	tr, err = c.Next(ctx)
	if err != nil {
		t.Fatalf("second next: %v", err)
	}
	if tr.Index != 1 || tr.Probs != nil || len(tr.Logits) != 2 {
		t.Errorf("unexpected second trace %+v", tr)
	}

	if _, err := c.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if _, err := c.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF to stick, got %v", err)
	}
	if len(mock.requests) != 3 {
		t.Fatalf("expected 3 rpcs, got %d", len(mock.requests))
	}
	for i, req := range mock.requests {
		if req.Step != i || req.Session != c.SessionID() || req.Prompt != "prompt" || req.MaxTokens != 8 {
			t.Errorf("request %d: unexpected %+v", i, req)
		}
	}
}

func TestNext_RPCError(t *testing.T) {
	rpcErr := errors.New("unavailable")
	c := NewClientWithService(&mockModelService{stepErr: rpcErr}, "", 2)
	_, err := c.Next(context.Background())
	if !errors.Is(err, rpcErr) {
		t.Fatalf("expected wrapped rpc error, got %v", err)
	}
}

func TestNext_MalformedResponse(t *testing.T) {
	bad, _ := structpb.NewStruct(map[string]any{"token": "x", "probs": []any{"a"}})
	c := NewClientWithService(&mockModelService{responses: []*structpb.Struct{bad}}, "", 2)
	if _, err := c.Next(context.Background()); !errors.Is(err, errMalformed) {
		t.Fatalf("expected errMalformed, got %v", err)
	}
}

func TestNext_CancelledContext(t *testing.T) {
	mock := &mockModelService{}
	c := NewClientWithService(mock, "", 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(mock.requests) != 0 {
		t.Error("expected no rpc after cancellation")
	}
}

// #endregion next-tests

// #region roundtrip-tests
func startServer(t *testing.T, srv *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	RegisterModelServiceServer(gs, srv)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRoundTrip_FakeModelOverGRPC(t *testing.T) {
	srv := NewServer(func(prompt string, maxTokens int) (model.Model, error) {
		return model.NewFake(prompt, maxTokens, 7)
	})
	conn := startServer(t, srv)
	c := NewClientWithService(NewModelServiceClient(conn), "short", 3)

	local, err := model.NewFake("short", 3, 7)
	if err != nil {
		t.Fatalf("fake: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		got, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		want, _ := local.Next(ctx)
		if got.Token != want.Token || got.Index != want.Index {
			t.Errorf("step %d: got %q/%d, want %q/%d", i, got.Token, got.Index, want.Token, want.Index)
		}
		if len(got.Layers[model.LayerLast]) != len(want.Layers[model.LayerLast]) {
			t.Errorf("step %d: layer size mismatch", i)
		}
	}
	if _, err := c.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if srv.Sessions() != 0 {
		t.Errorf("expected finished session dropped, %d live", srv.Sessions())
	}
}

func TestServer_RejectsUnknownSessionMidStream(t *testing.T) {
	srv := NewServer(func(prompt string, maxTokens int) (model.Model, error) {
		return model.NewFake(prompt, maxTokens, 1)
	})
	req, _ := encodeRequest(StepRequest{Session: "ghost", Step: 3, MaxTokens: 5})
	if _, err := srv.Step(context.Background(), req); err == nil {
		t.Fatal("expected error for unknown session at step 3")
	}
}

func TestServer_RejectsOutOfOrderStep(t *testing.T) {
	srv := NewServer(func(prompt string, maxTokens int) (model.Model, error) {
		return model.NewFake(prompt, maxTokens, 1)
	})
	ctx := context.Background()
	first, _ := encodeRequest(StepRequest{Session: "s", Step: 0, MaxTokens: 5})
	if _, err := srv.Step(ctx, first); err != nil {
		t.Fatalf("first step: %v", err)
	}
	if _, err := srv.Step(ctx, first); err == nil {
		t.Fatal("expected error when replaying step 0")
	}
}

func TestServer_FactoryError(t *testing.T) {
	srv := NewServer(func(string, int) (model.Model, error) {
		return nil, errors.New("no model")
	})
	req, _ := encodeRequest(StepRequest{Session: "s", Step: 0, MaxTokens: 1})
	if _, err := srv.Step(context.Background(), req); err == nil {
		t.Fatal("expected factory error")
	}
	if srv.Sessions() != 0 {
		t.Error("failed session must not be kept")
	}
}

// #endregion roundtrip-tests

func TestDecodeRequest_MissingSession(t *testing.T) {
	s, _ := structpb.NewStruct(map[string]any{"step": 0.0})
	if _, err := decodeRequest(s); !errors.Is(err, errMalformed) {
		t.Fatalf("expected errMalformed, got %v", err)
	}
}
