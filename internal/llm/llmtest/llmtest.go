// Package llmtest provides scripted Completers for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/loanpilot/orchestrator/pkg/contracts"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// Reply is one scripted response.
type Reply struct {
	Text string
	Err  error
}

// Scripted returns replies in order, repeating the last one once exhausted.
// Match, when set, chooses a reply by request instead.
type Scripted struct {
	mu       sync.Mutex
	Replies  []Reply
	Match    func(req contracts.CompletionRequest) Reply
	Requests []contracts.CompletionRequest
}

// Text builds a Scripted that always answers text.
func Text(text string) *Scripted {
	return &Scripted{Replies: []Reply{{Text: text}}}
}

// Sequence builds a Scripted that answers texts in order.
func Sequence(texts ...string) *Scripted {
	s := &Scripted{}
	for _, t := range texts {
		s.Replies = append(s.Replies, Reply{Text: t})
	}
	return s
}

// Unavailable builds a Scripted that always fails like an exhausted router.
func Unavailable() *Scripted {
	return &Scripted{Replies: []Reply{{Err: models.WrapError(models.KindProviderUnavailable, models.CodeLLMUnavailable, errors.New("provider down"))}}}
}

func (s *Scripted) Complete(ctx context.Context, req contracts.CompletionRequest) (string, error) {
	s.mu.Lock()
	s.Requests = append(s.Requests, req)
	var r Reply
	switch {
	case s.Match != nil:
		r = s.Match(req)
	case len(s.Replies) == 0:
		r = Reply{Err: errors.New("no scripted reply")}
	case len(s.Replies) == 1:
		r = s.Replies[0]
	default:
		r = s.Replies[0]
		s.Replies = s.Replies[1:]
	}
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return r.Text, r.Err
}

// Calls returns how many requests were made.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}
