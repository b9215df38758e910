package main

import (
	"strings"
	"testing"

	"github.com/keelml/keel/internal/config"
	"github.com/keelml/keel/internal/tokenizer"
)

func TestCheckTokenizerVocabCoverage(t *testing.T) {
	t.Parallel()

	tok, err := tokenizer.Open("bytes")
	if err != nil {
		t.Fatalf("open tokenizer: %v", err)
	}

	cfg := &config.Config{}
	cfg.Model.VocabSize = tok.VocabSize() - 1
	err = checkTokenizer(cfg, tok)
	if err == nil {
		t.Fatal("undersized vocab must fail at setup")
	}
	if !strings.Contains(err.Error(), "vocab_size") {
		t.Fatalf("error does not name the offending key: %v", err)
	}

	cfg.Model.VocabSize = tok.VocabSize()
	if err := checkTokenizer(cfg, tok); err != nil {
		t.Fatalf("exact coverage must pass: %v", err)
	}
	cfg.Model.VocabSize = tok.VocabSize() + 10
	if err := checkTokenizer(cfg, tok); err != nil {
		t.Fatalf("oversized vocab must pass: %v", err)
	}
}
