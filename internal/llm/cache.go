package llm

import (
	"context"
	"encoding/binary"
	"encoding/hex"

	"github.com/raine/leak-detector/internal/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"
)

// CachedAnalyzer wraps an Analyzer with a response cache.
type CachedAnalyzer struct {
	inner Analyzer
	store storage.ResponseCache
}

// NewCachedAnalyzer creates a cached analyzer.
func NewCachedAnalyzer(inner Analyzer, store storage.ResponseCache) *CachedAnalyzer {
	return &CachedAnalyzer{inner: inner, store: store}
}

// RequestKey hashes everything that influences the service's answer.
// Each field is length-prefixed to prevent boundary collisions.
func RequestKey(model string, req *AnalysisRequest) string {
	h, _ := blake2b.New256(nil)
	for _, field := range [][]byte{[]byte(model), []byte(req.Instruction), []byte(req.MIMEType), req.Image} {
		binary.Write(h, binary.LittleEndian, int64(len(field)))
		h.Write(field)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Analyze implements the Analyzer interface with caching.
func (c *CachedAnalyzer) Analyze(ctx context.Context, req *AnalysisRequest) (*AnalysisResult, error) {
	if c.store == nil {
		return c.inner.Analyze(ctx, req)
	}

	key := RequestKey(Model(c.inner), req)

	cached, ok, err := c.store.GetResponse(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("failed to check response cache")
	} else if ok {
		log.Debug().Str("key", key[:16]).Msg("response cache hit")
		return &AnalysisResult{Text: cached, Cached: true}, nil
	}

	result, err := c.inner.Analyze(ctx, req)
	if err != nil {
		return nil, err
	}

	// Only responses that parse are worth replaying.
	if _, perr := InterpretResponse(result.Text); perr == nil {
		if err := c.store.SetResponse(ctx, key, result.Text); err != nil {
			log.Warn().Err(err).Msg("failed to cache response")
		} else {
			log.Debug().Str("key", key[:16]).Msg("cached response")
		}
	}

	return result, nil
}
