package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/logoslabs/logos-gateway/internal/domain"
)

// OpenAICounter provides accurate token counts for OpenAI-family models
// using tiktoken.
type OpenAICounter struct {
	matcher *ModelMatcher
	// codecCache caches tokenizer codecs by encoding name
	codecCache map[tokenizer.Encoding]tokenizer.Codec
	cacheMu    sync.RWMutex
}

// NewOpenAICounter creates a new OpenAI token counter.
func NewOpenAICounter() *OpenAICounter {
	return &OpenAICounter{
		matcher: NewModelMatcher(
			// "o" prefixes cover o1, o3, o4 reasoning models
			[]string{"gpt-", "o1", "o3", "o4", "text-embedding"},
			nil,
		),
		codecCache: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// getCodec returns the tokenizer codec for a model.
func (c *OpenAICounter) getCodec(model string) (tokenizer.Codec, error) {
	codec, err := tokenizer.ForModel(tokenizer.Model(strings.ToLower(model)))
	if err == nil {
		return codec, nil
	}

	// Fall back to encoding based on model prefix
	encoding := modelToEncoding(model)

	c.cacheMu.RLock()
	if cached, ok := c.codecCache[encoding]; ok {
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	codec, err = tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.cacheMu.Lock()
	c.codecCache[encoding] = codec
	c.cacheMu.Unlock()

	return codec, nil
}

// modelToEncoding maps model names to encoding names for fallback.
//
// Encoding reference:
// - O200kBase: GPT-5, GPT-4.1, GPT-4o, O1, O3, O4-mini and newer models
// - Cl100kBase: GPT-4, GPT-3.5-turbo, text-embedding-ada-002
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-5"), strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-4o"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

// CountMessages counts transcript tokens with OpenAI's chat framing overhead:
// 3 tokens per message, 1 per role, 3 for assistant priming.
func (c *OpenAICounter) CountMessages(model string, messages []domain.Message) (Count, error) {
	codec, err := c.getCodec(model)
	if err != nil {
		return Count{}, err
	}

	tokensPerMessage := 3
	tokensPerRole := 1

	totalTokens := 0
	for _, msg := range messages {
		totalTokens += tokensPerMessage
		totalTokens += tokensPerRole
		ids, _, err := codec.Encode(msg.Content)
		if err != nil {
			return Count{}, fmt.Errorf("failed to encode message: %w", err)
		}
		totalTokens += len(ids)
	}
	totalTokens += 3 // assistant priming

	return Count{Tokens: totalTokens}, nil
}

// CountText counts tokens for a plain text string.
func (c *OpenAICounter) CountText(model, text string) (Count, error) {
	codec, err := c.getCodec(model)
	if err != nil {
		return Count{}, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return Count{}, fmt.Errorf("failed to encode text: %w", err)
	}
	return Count{Tokens: len(ids)}, nil
}

// SupportsModel returns true for OpenAI-family models.
func (c *OpenAICounter) SupportsModel(model string) bool {
	return c.matcher.Matches(model)
}
