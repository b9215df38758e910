package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

type pair struct {
	a, b string
}

// bpeTokenizer is a GPT-2 style byte-pair tokenizer loaded from a vocab.json
// (token -> id) and a merges.txt (one merge per line, rank order).
type bpeTokenizer struct {
	name        string
	fingerprint string
	encoder     map[string]int32
	ranks       map[pair]int
	byteEnc     [256]string
	pattern     *regexp.Regexp
	eos         int32
	unk         int32
}

// GPT-2 pre-tokenizer split. Go regexp has no lookahead, so the trailing
// whitespace branch is a plain \s+.
var bpeSplit = regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)

func openBPE(id, dir string) (*bpeTokenizer, error) {
	vocabBytes, err := os.ReadFile(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, fmt.Errorf("tokenizer %q: %w", id, err)
	}
	mergeBytes, err := os.ReadFile(filepath.Join(dir, "merges.txt"))
	if err != nil {
		return nil, fmt.Errorf("tokenizer %q: %w", id, err)
	}

	var encoder map[string]int32
	if err := json.Unmarshal(vocabBytes, &encoder); err != nil {
		return nil, fmt.Errorf("tokenizer %q: parse vocab.json: %w", id, err)
	}
	if len(encoder) == 0 {
		return nil, fmt.Errorf("tokenizer %q: empty vocabulary", id)
	}

	ranks := make(map[pair]int)
	for _, line := range strings.Split(string(mergeBytes), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a, b, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		p := pair{a: a, b: b}
		if _, seen := ranks[p]; !seen {
			ranks[p] = len(ranks)
		}
	}

	t := &bpeTokenizer{
		name:        id,
		fingerprint: hashFingerprint("bpe", vocabBytes, mergeBytes),
		encoder:     encoder,
		ranks:       ranks,
		pattern:     bpeSplit,
		eos:         -1,
		unk:         -1,
	}
	for i, s := range byteAlphabet() {
		t.byteEnc[i] = s
	}
	if id, ok := encoder["<|endoftext|>"]; ok {
		t.eos = id
	}
	if id, ok := encoder["<|unk|>"]; ok {
		t.unk = id
	}
	if t.eos < 0 {
		return nil, fmt.Errorf("tokenizer %q: vocabulary has no <|endoftext|>", id)
	}
	return t, nil
}

func (t *bpeTokenizer) Name() string        { return t.name }
func (t *bpeTokenizer) Fingerprint() string { return t.fingerprint }
func (t *bpeTokenizer) VocabSize() int      { return len(t.encoder) }
func (t *bpeTokenizer) EOS() int32          { return t.eos }

func (t *bpeTokenizer) Encode(text string) ([]int32, error) {
	var ids []int32
	for _, chunk := range t.pattern.FindAllString(text, -1) {
		word := t.byteEncode(chunk)
		for _, tok := range t.merge(word) {
			id, ok := t.encoder[tok]
			if !ok {
				if t.unk >= 0 {
					ids = append(ids, t.unk)
					continue
				}
				return nil, fmt.Errorf("tokenizer %q: no id for %q", t.name, tok)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (t *bpeTokenizer) byteEncode(chunk string) []string {
	word := make([]string, 0, len(chunk))
	for i := 0; i < len(chunk); i++ {
		word = append(word, t.byteEnc[chunk[i]])
	}
	return word
}

// merge applies BPE merges lowest-rank first until no mergeable pair remains.
func (t *bpeTokenizer) merge(word []string) []string {
	for len(word) > 1 {
		best := pair{}
		bestRank := -1
		for i := 0; i+1 < len(word); i++ {
			p := pair{a: word[i], b: word[i+1]}
			if r, ok := t.ranks[p]; ok && (bestRank < 0 || r < bestRank) {
				best, bestRank = p, r
			}
		}
		if bestRank < 0 {
			break
		}
		merged := word[:0:0]
		for i := 0; i < len(word); i++ {
			if i+1 < len(word) && word[i] == best.a && word[i+1] == best.b {
				merged = append(merged, word[i]+word[i+1])
				i++
			} else {
				merged = append(merged, word[i])
			}
		}
		word = merged
	}
	return word
}

// byteAlphabet is the reversible byte-to-rune mapping GPT-2 vocabularies use:
// printable latin bytes map to themselves, the rest to runes above 255.
func byteAlphabet() [256]string {
	var out [256]string
	used := make(map[int]bool)
	visible := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	for b := 0; b < 256; b++ {
		if visible(b) {
			out[b] = string(rune(b))
			used[b] = true
		}
	}
	next := 256
	for b := 0; b < 256; b++ {
		if out[b] == "" {
			out[b] = string(rune(next))
			next++
		}
	}
	return out
}
