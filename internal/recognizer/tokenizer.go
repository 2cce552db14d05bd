package recognizer

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

const (
	clsToken = "[CLS]"
	sepToken = "[SEP]"
	unkToken = "[UNK]"
	padToken = "[PAD]"

	maxSequenceLength = 256
)

// tokenizedInput is one text prepared for the token-classification model.
// Offsets carry the byte span of each token in the original text; special
// and padding tokens have a zero span.
type tokenizedInput struct {
	InputIDs      []int64
	AttentionMask []int64
	Offsets       [][2]int
}

// wordPieceTokenizer is a greedy longest-match-first subword tokenizer over
// a BERT-style vocabulary file (one token per line).
type wordPieceTokenizer struct {
	vocab map[string]int64
	clsID int64
	sepID int64
	unkID int64
	padID int64
}

func newWordPieceTokenizer(vocabPath string) (*wordPieceTokenizer, error) {
	file, err := os.Open(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocab: %w", err)
	}
	defer file.Close()

	vocab := make(map[string]int64)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		token := strings.TrimRight(scanner.Text(), "\r\n")
		if token == "" {
			continue
		}
		vocab[token] = int64(len(vocab))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocab: %w", err)
	}

	t := &wordPieceTokenizer{vocab: vocab}
	for _, required := range []struct {
		token string
		id    *int64
	}{
		{clsToken, &t.clsID},
		{sepToken, &t.sepID},
		{unkToken, &t.unkID},
		{padToken, &t.padID},
	} {
		id, ok := vocab[required.token]
		if !ok {
			return nil, fmt.Errorf("vocab missing required token %s", required.token)
		}
		*required.id = id
	}

	return t, nil
}

// word is a whitespace/punctuation-delimited chunk with its byte span.
type word struct {
	text  string
	start int
	end   int
}

// splitWords performs basic tokenization: whitespace separates words and
// each punctuation rune is its own word, offsets preserved.
func splitWords(text string) []word {
	var words []word
	start := -1
	flush := func(end int) {
		if start >= 0 {
			words = append(words, word{text: text[start:end], start: start, end: end})
			start = -1
		}
	}

	for i, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush(i)
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush(i)
			end := i + len(string(r))
			words = append(words, word{text: text[i:end], start: i, end: end})
		default:
			if start < 0 {
				start = i
			}
		}
	}
	flush(len(text))
	return words
}

// Tokenize converts text into a fixed-length model input with offsets.
func (t *wordPieceTokenizer) Tokenize(text string) *tokenizedInput {
	ids := []int64{t.clsID}
	offsets := [][2]int{{0, 0}}

	for _, w := range splitWords(text) {
		pieceIDs, pieceOffsets := t.wordPieces(w)
		for i := range pieceIDs {
			if len(ids) >= maxSequenceLength-1 {
				break
			}
			ids = append(ids, pieceIDs[i])
			offsets = append(offsets, pieceOffsets[i])
		}
	}

	ids = append(ids, t.sepID)
	offsets = append(offsets, [2]int{0, 0})

	mask := make([]int64, maxSequenceLength)
	for i := range ids {
		mask[i] = 1
	}
	for len(ids) < maxSequenceLength {
		ids = append(ids, t.padID)
		offsets = append(offsets, [2]int{0, 0})
	}

	return &tokenizedInput{InputIDs: ids, AttentionMask: mask, Offsets: offsets}
}

// wordPieces splits one word into greedy longest-match subwords. A word
// that cannot be segmented maps to a single [UNK] spanning the whole word.
func (t *wordPieceTokenizer) wordPieces(w word) ([]int64, [][2]int) {
	lower := strings.ToLower(w.text)
	var ids []int64
	var offsets [][2]int

	pos := 0
	for pos < len(lower) {
		end := len(lower)
		var matched string
		var matchedID int64
		for end > pos {
			candidate := lower[pos:end]
			if pos > 0 {
				candidate = "##" + candidate
			}
			if id, ok := t.vocab[candidate]; ok {
				matched = candidate
				matchedID = id
				break
			}
			end--
		}
		if matched == "" {
			return []int64{t.unkID}, [][2]int{{w.start, w.end}}
		}
		ids = append(ids, matchedID)
		offsets = append(offsets, [2]int{w.start + pos, w.start + end})
		pos = end
	}

	return ids, offsets
}
