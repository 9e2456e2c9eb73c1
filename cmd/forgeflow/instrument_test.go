package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/forgeflow/forgeflow/internal/llm"
)

// blockingProvider streams chunks on an unbuffered channel so every send
// blocks until the consumer reads it.
type blockingProvider struct {
	chunks     []*llm.Chunk
	senderDone chan struct{}
}

func (p *blockingProvider) Name() string { return "fake" }

func (p *blockingProvider) Complete(ctx context.Context, req *llm.Request) (<-chan *llm.Chunk, error) {
	out := make(chan *llm.Chunk)
	go func() {
		defer close(out)
		defer close(p.senderDone)
		for _, c := range p.chunks {
			out <- c
		}
	}()
	return out, nil
}

func (p *blockingProvider) CompleteOnce(ctx context.Context, req *llm.Request) (string, error) {
	return "", errors.New("not used")
}

func TestMeteredProviderCancellationReleasesSender(t *testing.T) {
	inner := &blockingProvider{
		chunks: []*llm.Chunk{
			{Text: "first"},
			{Text: "second"},
			{Done: true, InputTokens: 10, OutputTokens: 20},
		},
		senderDone: make(chan struct{}),
	}
	p := &meteredProvider{Provider: inner}

	ctx, cancel := context.WithCancel(context.Background())
	out, err := p.Complete(ctx, &llm.Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Stop reading after the first chunk; the wrapper is now blocked trying
	// to forward the second one.
	<-out
	cancel()

	select {
	case <-inner.senderDone:
	case <-time.After(2 * time.Second):
		t.Fatal("provider sender still blocked after cancellation")
	}
}
