package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

const (
	// DefaultModel is assumed when no model name is configured.
	DefaultModel = "gpt-4"
	// FallbackEncoding serves model names tiktoken has no mapping for.
	FallbackEncoding = "cl100k_base"
)

func init() {
	// Ranks come from files embedded in the loader module; nothing is
	// downloaded at runtime.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

var (
	encodersMu sync.Mutex
	encoders   = map[string]*tiktoken.Tiktoken{}
)

// BPE counts tokens with a tiktoken byte pair encoding.
type BPE struct {
	Encoding string
	enc      *tiktoken.Tiktoken
}

// NewBPE returns the counter for model's encoding, falling back to
// cl100k_base for unknown models.
func NewBPE(model string) (*BPE, error) {
	name := EncodingFor(model)
	enc, err := encoder(name)
	if err != nil {
		return nil, err
	}
	return &BPE{Encoding: name, enc: enc}, nil
}

// Count implements Counter.
func (b *BPE) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(b.enc.EncodeOrdinary(text))
}

// EncodingFor returns the tiktoken encoding name used for model.
func EncodingFor(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		model = DefaultModel
	}
	if name, ok := tiktoken.MODEL_TO_ENCODING[model]; ok {
		return name
	}
	best := ""
	name := FallbackEncoding
	for prefix, enc := range tiktoken.MODEL_PREFIX_TO_ENCODING {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, name = prefix, enc
		}
	}
	return name
}

func encoder(name string) (*tiktoken.Tiktoken, error) {
	encodersMu.Lock()
	defer encodersMu.Unlock()
	if enc, ok := encoders[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("loading encoding %s: %w", name, err)
	}
	encoders[name] = enc
	return enc, nil
}
