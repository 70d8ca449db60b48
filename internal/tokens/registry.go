// Package tokens provides token counting for context budgeting and usage
// estimation across heterogeneous models.
package tokens

import (
	"strings"

	"github.com/logoslabs/logos-gateway/internal/domain"
)

// Count is the result of one counting call.
type Count struct {
	Tokens    int
	Estimated bool
}

// Counter counts tokens for the models it supports.
type Counter interface {
	CountMessages(model string, messages []domain.Message) (Count, error)
	CountText(model, text string) (Count, error)
	SupportsModel(model string) bool
}

// Registry dispatches counting calls to the first counter that supports the
// model, falling back to a character-based estimator for everything else.
type Registry struct {
	counters []Counter
	fallback Counter
}

// NewRegistry creates a registry with the default estimator fallback.
func NewRegistry() *Registry {
	return &Registry{
		fallback: NewEstimator(),
	}
}

// Register adds a token counter to the registry.
func (r *Registry) Register(counter Counter) {
	r.counters = append(r.counters, counter)
}

// SetFallback sets the fallback counter for unsupported models.
func (r *Registry) SetFallback(counter Counter) {
	r.fallback = counter
}

// CountMessages counts the tokens of a chat transcript.
func (r *Registry) CountMessages(model string, messages []domain.Message) (Count, error) {
	return r.counterFor(model).CountMessages(model, messages)
}

// CountText counts the tokens of a plain string.
func (r *Registry) CountText(model, text string) (Count, error) {
	return r.counterFor(model).CountText(model, text)
}

func (r *Registry) counterFor(model string) Counter {
	for _, counter := range r.counters {
		if counter.SupportsModel(model) {
			return counter
		}
	}
	return r.fallback
}

// Estimator approximates token counts from character length. It is the
// fallback for models without a native tokenizer (discovered ad-hoc
// providers, self-hosted models).
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// CountMessages estimates the token count of a transcript.
func (e *Estimator) CountMessages(model string, messages []domain.Message) (Count, error) {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len(msg.Role)
		totalChars += len(msg.Content)
		// message framing overhead
		totalChars += 4
	}
	return Count{
		Tokens:    int(float64(totalChars) / e.CharsPerToken),
		Estimated: true,
	}, nil
}

// CountText estimates the token count of a plain string.
func (e *Estimator) CountText(model, text string) (Count, error) {
	return Count{
		Tokens:    int(float64(len(text)) / e.CharsPerToken),
		Estimated: true,
	}, nil
}

// SupportsModel returns true - the estimator covers all models as a fallback.
func (e *Estimator) SupportsModel(model string) bool {
	return true
}

// ModelMatcher helps match model names to counter patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{
		prefixes: prefixes,
		exact:    exact,
	}
}

// Matches returns true if the model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
