package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqd/internal/cache"
	"github.com/fyrsmithlabs/docqd/internal/generation"
	"github.com/fyrsmithlabs/docqd/internal/retrieval"
	"github.com/fyrsmithlabs/docqd/internal/store"
)

// anonymousRequester scopes conversations for callers that supply no
// requester ID.
const anonymousRequester = "anonymous"

// Answer is the result of an ask, summarize, or explain operation.
type Answer struct {
	ConversationID string             `json:"conversation_id"`
	Text           string             `json:"text"`
	Sources        []retrieval.Source `json:"sources"`
	Provider       string             `json:"provider,omitempty"`
	Cached         bool               `json:"cached"`
}

// derived is the cacheable portion of an Answer: everything except the
// conversation, which is per-requester.
type derived struct {
	Text     string             `json:"text"`
	Sources  []retrieval.Source `json:"sources"`
	Provider string             `json:"provider,omitempty"`
}

// Ask answers a question about a ready document and records the exchange in
// the requester's conversation. Identical concurrent questions coalesce into
// one retrieval+generation pass; repeated questions are served from the
// cache until its TTL lapses. When generation fails, no conversation turn is
// recorded. Sources are returned and persisted only when includeSources is
// set.
func (s *Service) Ask(ctx context.Context, documentID, requesterID, question string, includeSources bool) (*Answer, error) {
	doc, err := s.readyDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("%w: question cannot be empty", ErrValidation)
	}

	result, cached, err := s.derive(ctx, doc, "ask", question, generation.KindAnswer)
	if err != nil {
		return nil, err
	}
	if !includeSources {
		result.Sources = nil
	}

	conv, err := s.recordTurn(ctx, doc.ID, requesterID, question, result, "")
	if err != nil {
		return nil, err
	}

	return &Answer{
		ConversationID: conv.ID,
		Text:           result.Text,
		Sources:        result.Sources,
		Provider:       result.Provider,
		Cached:         cached,
	}, nil
}

// Summarize produces a short summary of an excerpt from a ready document and
// records it as a highlight message.
func (s *Service) Summarize(ctx context.Context, documentID, requesterID, excerpt string) (*Answer, error) {
	return s.highlight(ctx, documentID, requesterID, excerpt, generation.KindSummary, store.HighlightSummary)
}

// Explain produces a plain-language explanation of an excerpt from a ready
// document and records it as a highlight message.
func (s *Service) Explain(ctx context.Context, documentID, requesterID, excerpt string) (*Answer, error) {
	return s.highlight(ctx, documentID, requesterID, excerpt, generation.KindExplanation, store.HighlightExplanation)
}

func (s *Service) highlight(ctx context.Context, documentID, requesterID, excerpt string, kind generation.Kind, highlightKind string) (*Answer, error) {
	doc, err := s.readyDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(excerpt) == "" {
		return nil, fmt.Errorf("%w: excerpt cannot be empty", ErrValidation)
	}

	result, cached, err := s.derive(ctx, doc, string(kind), excerpt, kind)
	if err != nil {
		return nil, err
	}

	// Highlight messages never carry sources; the citations stay on the
	// response only.
	sources := result.Sources
	result.Sources = nil

	conv, err := s.recordTurn(ctx, doc.ID, requesterID, excerpt, result, highlightKind)
	if err != nil {
		return nil, err
	}

	return &Answer{
		ConversationID: conv.ID,
		Text:           result.Text,
		Sources:        sources,
		Provider:       result.Provider,
		Cached:         cached,
	}, nil
}

// GetMessages returns the requester's conversation history for a document,
// oldest first. A requester with no history gets an empty list; reading never
// creates a conversation.
func (s *Service) GetMessages(ctx context.Context, documentID, requesterID string) ([]store.Message, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	if requesterID == "" {
		requesterID = anonymousRequester
	}

	conv, err := s.store.GetConversation(ctx, documentID, requesterID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conv.ID)
}

// derive runs retrieval and generation for one input, behind the cache. The
// no-context signal is not an error: it yields the fixed fallback text with
// an empty source list, and is cached like any other result.
func (s *Service) derive(ctx context.Context, doc *store.Document, operation, input string, kind generation.Kind) (*derived, bool, error) {
	key := cache.Key(doc.ID, operation, input)

	data, cached, err := s.cache.GetOrCompute(ctx, key, func(ctx context.Context) ([]byte, error) {
		result, err := s.compute(ctx, doc, input, kind)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})
	if err != nil {
		return nil, false, err
	}

	var result derived
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, fmt.Errorf("decoding cached result: %w", err)
	}
	return &result, cached, nil
}

func (s *Service) compute(ctx context.Context, doc *store.Document, input string, kind generation.Kind) (*derived, error) {
	result, err := s.retriever.Retrieve(ctx, doc, input)
	if errors.Is(err, retrieval.ErrNoRelevantContext) {
		s.logger.Debug(ctx, "no relevant context",
			zap.String("document.id", doc.ID),
			zap.String("kind", string(kind)),
		)
		return &derived{Text: generation.NoContextResponse}, nil
	}
	if err != nil {
		return nil, err
	}

	prompt := generation.BuildPrompt(kind, input, result.Passages)
	text, provider, err := s.chain.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	return &derived{
		Text:     text,
		Sources:  generation.CitedSources(text, result.Passages, s.config.CitationThreshold),
		Provider: provider,
	}, nil
}

// recordTurn appends the user input and the assistant reply to the
// requester's conversation. Sources ride on the assistant message as JSON.
func (s *Service) recordTurn(ctx context.Context, documentID, requesterID, input string, result *derived, highlightKind string) (*store.Conversation, error) {
	if requesterID == "" {
		requesterID = anonymousRequester
	}

	conv, err := s.store.GetOrCreateConversation(ctx, documentID, requesterID)
	if err != nil {
		return nil, err
	}

	if err := s.store.AppendMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Content:        input,
		HighlightKind:  highlightKind,
	}); err != nil {
		return nil, err
	}

	var sources []byte
	if len(result.Sources) > 0 {
		if sources, err = json.Marshal(result.Sources); err != nil {
			return nil, fmt.Errorf("encoding sources: %w", err)
		}
	}
	if err := s.store.AppendMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleAssistant,
		Content:        result.Text,
		Sources:        sources,
		HighlightKind:  highlightKind,
	}); err != nil {
		return nil, err
	}

	return conv, nil
}

// readyDocument loads a document and requires it to be ready for querying.
func (s *Service) readyDocument(ctx context.Context, documentID string) (*store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != store.StatusReady {
		return nil, fmt.Errorf("%w: document %s is %s", ErrNotReady, documentID, doc.Status)
	}
	return doc, nil
}
