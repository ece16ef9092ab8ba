package llm

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// messageOverhead approximates the role and delimiter tokens that chat
// templates add around every message.
const messageOverhead = 4

// encodingPrefixes maps model families with a published BPE vocabulary to
// their tiktoken encoding. Longer prefixes must come first.
var encodingPrefixes = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4.1", tiktoken.MODEL_O200K_BASE},
	{"gpt-4.5", tiktoken.MODEL_O200K_BASE},
	{"gpt-4o", tiktoken.MODEL_O200K_BASE},
	{"o1", tiktoken.MODEL_O200K_BASE},
	{"o3", tiktoken.MODEL_O200K_BASE},
	{"o4", tiktoken.MODEL_O200K_BASE},
	{"gpt-4", tiktoken.MODEL_CL100K_BASE},
	{"gpt-3.5-turbo", tiktoken.MODEL_CL100K_BASE},
}

var (
	encMu     sync.Mutex
	encodings = map[string]*tiktoken.Tiktoken{}
	encFailed = map[string]bool{}
)

// EncodingForModel returns the tiktoken encoding name for model, or "" when
// the model family has no known vocabulary.
func EncodingForModel(model string) string {
	lower := strings.ToLower(model)
	for _, e := range encodingPrefixes {
		if strings.HasPrefix(lower, e.prefix) {
			return e.encoding
		}
	}
	return ""
}

// EstimateTokens counts the tokens messages would occupy for model. OpenAI
// model families are counted with their real BPE vocabulary; every other
// model (and any vocabulary that fails to load) falls back to a
// four-characters-per-token approximation, which tends to overcount for
// English text.
func EstimateTokens(model string, messages []Message) int {
	enc := encoderFor(EncodingForModel(model))
	total := 3
	for _, m := range messages {
		total += messageOverhead
		if enc != nil {
			total += len(enc.Encode(m.Content, nil, nil))
			continue
		}
		total += approximate(m.Content)
	}
	return total
}

func approximate(s string) int {
	return (len(s) + 3) / 4
}

func encoderFor(name string) *tiktoken.Tiktoken {
	if name == "" {
		return nil
	}
	encMu.Lock()
	defer encMu.Unlock()
	if enc, ok := encodings[name]; ok {
		return enc
	}
	if encFailed[name] {
		return nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		encFailed[name] = true
		return nil
	}
	encodings[name] = enc
	return enc
}
