// Package tokenizer provides the named tokenizers used to build dataset
// caches. A tokenizer is addressed by an identifier string from the run
// config; its fingerprint is part of the cache identity, so changing the
// tokenizer invalidates previously built cache segments.
package tokenizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Tokenizer converts raw text records into token id sequences.
type Tokenizer interface {
	// Name is the identifier this tokenizer was opened with.
	Name() string
	// Fingerprint uniquely identifies the tokenizer's behavior (vocab,
	// merges, special tokens). Stable across processes.
	Fingerprint() string
	VocabSize() int
	Encode(text string) ([]int32, error)
	// EOS is the id appended after each document in the cache.
	EOS() int32
}

// Open resolves a tokenizer identifier:
//
//	bytes             byte-level tokenizer, vocab 256 + BOS/EOS
//	bpe:<dir>         GPT-2 style BPE from <dir>/vocab.json and <dir>/merges.txt
func Open(id string) (Tokenizer, error) {
	switch {
	case id == "bytes":
		return newByteLevel(), nil
	case strings.HasPrefix(id, "bpe:"):
		return openBPE(id, strings.TrimPrefix(id, "bpe:"))
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", id)
	}
}

const (
	byteVocab = 256
	byteBOS   = 256
	byteEOS   = 257
)

// byteLevel maps every input byte to its own id. No vocabulary files and no
// ambiguity, which makes it the default for tests and smoke runs.
type byteLevel struct{}

func newByteLevel() byteLevel { return byteLevel{} }

func (byteLevel) Name() string        { return "bytes" }
func (byteLevel) Fingerprint() string { return "bytes/v1" }
func (byteLevel) VocabSize() int      { return byteVocab + 2 }
func (byteLevel) EOS() int32          { return byteEOS }

func (byteLevel) Encode(text string) ([]int32, error) {
	ids := make([]int32, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int32(text[i])
	}
	return ids, nil
}

func hashFingerprint(kind string, parts ...[]byte) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write(p)
	}
	return kind + "/" + hex.EncodeToString(h.Sum(nil))[:16]
}
