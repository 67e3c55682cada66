package codec

import (
	"context"
	"fmt"
	"io"

	"github.com/danielpatrickdp/structgate/internal/model"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// #region client-struct
// Client is a model.Model backed by a remote model service. Each client owns
// one generation session on the server.
type Client struct {
	conn      *grpc.ClientConn
	svc       ModelServiceClient
	session   string
	prompt    string
	maxTokens int
	step      int
	done      bool
}

// #endregion client-struct

// #region constructor
// NewClient connects to a model service at addr and prepares a session for
// prompt. The connection is established lazily on the first Next.
func NewClient(addr, prompt string, maxTokens int) (*Client, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("max tokens must be positive, got %d", maxTokens)
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	c := newClient(NewModelServiceClient(conn), prompt, maxTokens)
	c.conn = conn
	return c, nil
}

// NewClientWithService creates a Client with an injected service implementation.
// Used for testing without a real gRPC connection.
func NewClientWithService(svc ModelServiceClient, prompt string, maxTokens int) *Client {
	return newClient(svc, prompt, maxTokens)
}

func newClient(svc ModelServiceClient, prompt string, maxTokens int) *Client {
	return &Client{
		svc:       svc,
		session:   uuid.New().String(),
		prompt:    prompt,
		maxTokens: maxTokens,
	}
}

// #endregion constructor

// Close shuts down the gRPC connection, if the client owns one.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// SessionID returns the server-side session this client drives.
func (c *Client) SessionID() string { return c.session }

// #region next
// Next requests the next token. It returns io.EOF once the service reports
// the end of generation.
func (c *Client) Next(ctx context.Context) (model.StepTrace, error) {
	if err := ctx.Err(); err != nil {
		return model.StepTrace{}, err
	}
	if c.done {
		return model.StepTrace{}, io.EOF
	}

	req, err := encodeRequest(StepRequest{
		Session:   c.session,
		Prompt:    c.prompt,
		Step:      c.step,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return model.StepTrace{}, fmt.Errorf("encode step request: %w", err)
	}
	resp, err := c.svc.Step(ctx, req)
	if err != nil {
		return model.StepTrace{}, fmt.Errorf("step rpc: %w", err)
	}
	tr, done, err := decodeTrace(resp)
	if err != nil {
		return model.StepTrace{}, fmt.Errorf("decode step %d: %w", c.step, err)
	}
	if done {
		c.done = true
		return model.StepTrace{}, io.EOF
	}
	c.step++
	return tr, nil
}

// #endregion next
