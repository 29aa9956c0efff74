package provider

import (
	"context"
	"fmt"
	"sync"
)

// StubClient is a deterministic in-process client for tests and offline
// runs. Responses are scripted per prompt substring, with an optional
// fallback.
type StubClient struct {
	ProviderName string
	ModelName    string

	mu       sync.Mutex
	scripts  []stubScript
	fallback string
	failNext int
	calls    int
}

type stubScript struct {
	contains string
	reply    string
}

// NewStubClient creates a stub with a fixed fallback reply.
func NewStubClient(providerName, modelName, fallback string) *StubClient {
	return &StubClient{
		ProviderName: providerName,
		ModelName:    modelName,
		fallback:     fallback,
	}
}

func (s *StubClient) Provider() string { return s.ProviderName }
func (s *StubClient) Model() string    { return s.ModelName }

// Script adds a canned reply for prompts containing the given substring.
func (s *StubClient) Script(contains, reply string) *StubClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append(s.scripts, stubScript{contains: contains, reply: reply})
	return s
}

// FailNext makes the next n calls fail.
func (s *StubClient) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Calls returns how many completions were attempted.
func (s *StubClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *StubClient) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failNext > 0 {
		s.failNext--
		return Response{}, fmt.Errorf("stub provider %s forced failure", s.ModelName)
	}

	text := s.fallback
	for _, sc := range s.scripts {
		if sc.contains != "" && containsFold(req.Prompt, sc.contains) {
			text = sc.reply
			break
		}
	}
	return Response{
		Text:         text,
		Provider:     s.ProviderName,
		Model:        s.ModelName,
		InputTokens:  len(req.Prompt) / 4,
		OutputTokens: len(text) / 4,
	}, nil
}
