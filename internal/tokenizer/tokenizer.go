package tokenizer

import (
	"bufio"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxTokens is the fixed token-sequence length of the text encoder.
// Every prompt is encoded as [CLS] tokens... [SEP] and padded to this length,
// and every alignment mapper, schedule row and equalizer is indexed by it.
const MaxTokens = 77

// Tokenizer defines the interface for text tokenization.
type Tokenizer interface {
	Tokenize(text string) ([]string, []int)
	Encode(text string) []int
	EncodeFixed(text string) []int
	Decode(id int) string
}

// WordPieceTokenizer implements the WordPiece tokenization algorithm.
type WordPieceTokenizer struct {
	vocab         map[string]int
	invVocab      map[int]string
	maxInputChars int
	unkToken      string
	neverSplit    map[string]bool
}

var _ Tokenizer = (*WordPieceTokenizer)(nil)

// NewWordPieceTokenizer creates a new WordPieceTokenizer from a vocab file.
func NewWordPieceTokenizer(vocabPath string) (*WordPieceTokenizer, error) {
	vocab, err := loadVocab(vocabPath)
	if err != nil {
		return nil, err
	}
	return newFromMap(vocab), nil
}

// NewFromVocab creates a tokenizer from an in-memory vocabulary. The special
// tokens [PAD], [UNK], [CLS] and [SEP] are prepended if absent. Useful for
// tests and for the fallback vocabulary built from the prompts themselves.
func NewFromVocab(words []string) *WordPieceTokenizer {
	vocab := make(map[string]int)
	for _, sp := range []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]"} {
		if _, ok := vocab[sp]; !ok {
			vocab[sp] = len(vocab)
		}
	}
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if _, ok := vocab[w]; !ok {
			vocab[w] = len(vocab)
		}
	}
	return newFromMap(vocab)
}

func newFromMap(vocab map[string]int) *WordPieceTokenizer {
	invVocab := make(map[int]string, len(vocab))
	for k, v := range vocab {
		invVocab[v] = k
	}

	return &WordPieceTokenizer{
		vocab:         vocab,
		invVocab:      invVocab,
		maxInputChars: 200,
		unkToken:      "[UNK]",
		neverSplit: map[string]bool{
			"[UNK]": true, "[SEP]": true, "[PAD]": true, "[CLS]": true, "[MASK]": true,
		},
	}
}

// loadVocab reads a BERT-style vocab.txt file.
func loadVocab(path string) (map[string]int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	vocab := make(map[string]int)
	scanner := bufio.NewScanner(file)
	index := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			vocab[line] = index
			index++
		}
	}
	return vocab, scanner.Err()
}

// isPunctuation checks if a rune is a punctuation character.
func isPunctuation(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// splitOnPunctuation splits text on punctuation, keeping punctuation as separate tokens.
// It respects neverSplit tokens.
func (t *WordPieceTokenizer) splitOnPunctuation(text string) []string {
	var tokens []string

	runeSeq := []rune(text)
	var currentToken strings.Builder

	i := 0
	for i < len(runeSeq) {
		// Text is short (a prompt), so converting the suffix per position
		// to check neverSplit prefixes is fine.
		suffix := string(runeSeq[i:])
		matched := false
		for ns := range t.neverSplit {
			if strings.HasPrefix(suffix, ns) {
				if currentToken.Len() > 0 {
					tokens = append(tokens, currentToken.String())
					currentToken.Reset()
				}
				tokens = append(tokens, ns)
				i += len([]rune(ns))
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		r := runeSeq[i]
		if isPunctuation(r) {
			if currentToken.Len() > 0 {
				tokens = append(tokens, currentToken.String())
				currentToken.Reset()
			}
			tokens = append(tokens, string(r))
		} else if unicode.IsSpace(r) {
			if currentToken.Len() > 0 {
				tokens = append(tokens, currentToken.String())
				currentToken.Reset()
			}
			// Whitespace is eaten (not added as token)
		} else {
			currentToken.WriteRune(r)
		}
		i++
	}
	if currentToken.Len() > 0 {
		tokens = append(tokens, currentToken.String())
	}
	return tokens
}

// Tokenize implements the WordPiece algorithm.
func (t *WordPieceTokenizer) Tokenize(text string) ([]string, []int) {
	rawTokens := t.splitOnPunctuation(text)

	outputTokens := make([]string, 0, len(rawTokens)*2)
	outputIDs := make([]int, 0, len(rawTokens)*2)

	for _, token := range rawTokens {
		if token == "" {
			continue
		}

		if t.neverSplit[token] {
			if id, ok := t.vocab[token]; ok {
				outputTokens = append(outputTokens, token)
				outputIDs = append(outputIDs, id)
				continue
			}
		}

		// Normalization for regular tokens
		normToken := strings.ToLower(token)
		tform := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
		normToken, _, _ = transform.String(tform, normToken)

		if len(normToken) > t.maxInputChars {
			outputTokens = append(outputTokens, t.unkToken)
			outputIDs = append(outputIDs, t.vocab[t.unkToken])
			continue
		}

		isBad := false
		start := 0
		var subTokens []string
		for start < len(normToken) {
			end := len(normToken)
			var curSubstr string
			for start < end {
				substr := normToken[start:end]
				if start > 0 {
					substr = "##" + substr
				}
				if _, ok := t.vocab[substr]; ok {
					curSubstr = substr
					break
				}
				end--
			}
			if curSubstr == "" {
				isBad = true
				break
			}
			subTokens = append(subTokens, curSubstr)
			start = end
		}

		if isBad {
			outputTokens = append(outputTokens, t.unkToken)
			outputIDs = append(outputIDs, t.vocab[t.unkToken])
		} else {
			for _, st := range subTokens {
				outputTokens = append(outputTokens, st)
				outputIDs = append(outputIDs, t.vocab[st])
			}
		}
	}

	return outputTokens, outputIDs
}

// Encode converts text into a slice of input IDs without special tokens.
func (t *WordPieceTokenizer) Encode(text string) []int {
	_, ids := t.Tokenize(text)
	return ids
}

// EncodeWithSpecials returns [CLS] ids... [SEP], truncated to MaxTokens.
func (t *WordPieceTokenizer) EncodeWithSpecials(text string) []int {
	ids := t.Encode(text)
	if len(ids) > MaxTokens-2 {
		ids = ids[:MaxTokens-2]
	}
	out := make([]int, 0, len(ids)+2)
	out = append(out, t.vocab["[CLS]"])
	out = append(out, ids...)
	out = append(out, t.vocab["[SEP]"])
	return out
}

// EncodeFixed returns [CLS] ids... [SEP] padded with [PAD] to MaxTokens.
// This is the layout every attention key-position index refers to.
func (t *WordPieceTokenizer) EncodeFixed(text string) []int {
	out := t.EncodeWithSpecials(text)
	pad := t.vocab["[PAD]"]
	for len(out) < MaxTokens {
		out = append(out, pad)
	}
	return out
}

// Decode returns the vocabulary entry for a token id, or [UNK].
func (t *WordPieceTokenizer) Decode(id int) string {
	if s, ok := t.invVocab[id]; ok {
		return s
	}
	return t.unkToken
}

// PieceFragment strips the WordPiece continuation marker so that the
// sub-tokens of a word concatenate back to the word itself.
func PieceFragment(piece string) string {
	return strings.TrimPrefix(piece, "##")
}

// IsSpecial reports whether a token string is one of the reserved markers.
func (t *WordPieceTokenizer) IsSpecial(tok string) bool {
	return t.neverSplit[tok]
}
