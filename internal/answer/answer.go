// Package answer implements clients for the external answering service:
// question text in, answer text out.
package answer

import (
	"context"
	"fmt"

	"github.com/ashureev/cogni-chat/internal/config"
	"github.com/ashureev/cogni-chat/internal/domain"
)

// Answerer produces an answer for a question or fails. Every failure wraps
// domain.ErrUpstreamUnavailable.
type Answerer interface {
	Answer(ctx context.Context, question string) (string, error)
}

// Func adapts a plain function to Answerer.
type Func func(ctx context.Context, question string) (string, error)

// Answer calls f.
func (f Func) Answer(ctx context.Context, question string) (string, error) {
	return f(ctx, question)
}

// Closer is implemented by clients holding connections.
type Closer interface {
	Close()
}

// New builds the client selected by cfg. gRPC wins when both are configured.
func New(cfg config.AnswerConfig) (Answerer, error) {
	switch {
	case cfg.GRPCAddr != "":
		c, err := NewGrpcClient(GrpcClientConfig{
			Address:        cfg.GRPCAddr,
			ConnectTimeout: DefaultGrpcClientConfig().ConnectTimeout,
			RequestTimeout: cfg.Timeout,
		}, nil)
		if err != nil {
			return nil, err
		}
		return c, nil
	case cfg.URL != "":
		return NewHTTPClient(cfg.URL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("no answering service configured")
	}
}

func upstreamError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrUpstreamUnavailable, fmt.Sprintf(format, args...))
}
