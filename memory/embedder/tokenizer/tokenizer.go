// Package tokenizer implements BERT-style WordPiece encoding from a
// HuggingFace tokenizer.json artifact.
package tokenizer

import (
	"encoding/json"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	recallerr "github.com/becomeliminal/nim-recall/errors"
)

const (
	defaultUnkToken      = "[UNK]"
	defaultClsToken      = "[CLS]"
	defaultSepToken      = "[SEP]"
	defaultSubwordPrefix = "##"
	defaultMaxWordChars  = 100
)

// Options controls normalization. The zero value disables every step.
type Options struct {
	Lowercase    bool
	StripAccents bool
	CleanText    bool
	ChineseChars bool

	UnkToken      string
	SubwordPrefix string
	MaxWordChars  int
}

// DefaultOptions matches an uncased BERT normalizer.
var DefaultOptions = Options{
	Lowercase:    true,
	StripAccents: true,
	CleanText:    true,
	ChineseChars: true,
}

// Tokenizer is immutable after construction and safe for concurrent use.
type Tokenizer struct {
	vocab map[string]int64
	opts  Options

	unkID int64
	clsID int64
	sepID int64
}

// tokenizerFile is the subset of tokenizer.json this package understands.
type tokenizerFile struct {
	AddedTokens []struct {
		ID      int64  `json:"id"`
		Content string `json:"content"`
	} `json:"added_tokens"`

	Normalizer *struct {
		Type               string `json:"type"`
		CleanText          *bool  `json:"clean_text"`
		HandleChineseChars *bool  `json:"handle_chinese_chars"`
		StripAccents       *bool  `json:"strip_accents"`
		Lowercase          *bool  `json:"lowercase"`
	} `json:"normalizer"`

	Model struct {
		Type                    string           `json:"type"`
		UnkToken                string           `json:"unk_token"`
		ContinuingSubwordPrefix string           `json:"continuing_subword_prefix"`
		MaxInputCharsPerWord    int              `json:"max_input_chars_per_word"`
		Vocab                   map[string]int64 `json:"vocab"`
	} `json:"model"`
}

// Load reads a tokenizer.json file.
func Load(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, recallerr.Wrap(err, recallerr.CodeTokenizerLoadFailure, "reading tokenizer",
			recallerr.Field("path", path))
	}
	return Parse(data)
}

// Parse builds a Tokenizer from the contents of a tokenizer.json file.
func Parse(data []byte) (*Tokenizer, error) {
	var file tokenizerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, recallerr.Wrap(err, recallerr.CodeTokenizerLoadFailure, "decoding tokenizer.json")
	}

	if file.Model.Type != "" && file.Model.Type != "WordPiece" {
		return nil, recallerr.New(recallerr.CodeTokenizerLoadFailure, "unsupported tokenizer model",
			recallerr.Field("type", file.Model.Type))
	}

	vocab := make(map[string]int64, len(file.Model.Vocab)+len(file.AddedTokens))
	for token, id := range file.Model.Vocab {
		vocab[token] = id
	}
	for _, added := range file.AddedTokens {
		if _, ok := vocab[added.Content]; !ok {
			vocab[added.Content] = added.ID
		}
	}

	opts := Options{
		UnkToken:      file.Model.UnkToken,
		SubwordPrefix: file.Model.ContinuingSubwordPrefix,
		MaxWordChars:  file.Model.MaxInputCharsPerWord,
	}
	if n := file.Normalizer; n != nil {
		opts.CleanText = boolOr(n.CleanText, true)
		opts.ChineseChars = boolOr(n.HandleChineseChars, true)
		opts.Lowercase = boolOr(n.Lowercase, true)
		// A null strip_accents follows lowercase.
		opts.StripAccents = boolOr(n.StripAccents, opts.Lowercase)
	}

	return New(vocab, opts)
}

// New builds a Tokenizer from an in-memory vocabulary.
func New(vocab map[string]int64, opts Options) (*Tokenizer, error) {
	if len(vocab) == 0 {
		return nil, recallerr.New(recallerr.CodeTokenizerLoadFailure, "tokenizer vocabulary is empty")
	}
	if opts.UnkToken == "" {
		opts.UnkToken = defaultUnkToken
	}
	if opts.SubwordPrefix == "" {
		opts.SubwordPrefix = defaultSubwordPrefix
	}
	if opts.MaxWordChars <= 0 {
		opts.MaxWordChars = defaultMaxWordChars
	}

	t := &Tokenizer{vocab: vocab, opts: opts}

	for token, dst := range map[string]*int64{
		opts.UnkToken:   &t.unkID,
		defaultClsToken: &t.clsID,
		defaultSepToken: &t.sepID,
	} {
		id, ok := vocab[token]
		if !ok {
			return nil, recallerr.New(recallerr.CodeTokenizerLoadFailure, "special token missing from vocabulary",
				recallerr.Field("token", token))
		}
		*dst = id
	}

	return t, nil
}

// VocabSize returns the number of known tokens.
func (t *Tokenizer) VocabSize() int {
	return len(t.vocab)
}

// Encode converts text into its natural, unpadded encoding.
// With addSpecialTokens the sequence is wrapped in [CLS] ... [SEP].
func (t *Tokenizer) Encode(text string, addSpecialTokens bool) (Encoding, error) {
	if !utf8.ValidString(text) {
		return Encoding{}, recallerr.New(recallerr.CodeTokenizerEncodeInvalid, "text is not valid UTF-8")
	}

	var ids []int64
	if addSpecialTokens {
		ids = append(ids, t.clsID)
	}
	for _, word := range t.preTokenize(t.normalize(text)) {
		ids = append(ids, t.wordPiece(word)...)
	}
	if addSpecialTokens {
		ids = append(ids, t.sepID)
	}

	mask := make([]int64, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return Encoding{IDs: ids, Mask: mask}, nil
}

func (t *Tokenizer) normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	for _, r := range text {
		switch {
		case t.opts.CleanText && (r == 0 || r == utf8.RuneError || isControl(r)):
			continue
		case t.opts.CleanText && isWhitespace(r):
			b.WriteRune(' ')
		case t.opts.ChineseChars && isChinese(r):
			b.WriteRune(' ')
			b.WriteRune(r)
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}

	out := b.String()
	if t.opts.Lowercase {
		out = strings.ToLower(out)
	}
	if t.opts.StripAccents {
		out = stripAccents(out)
	}
	return out
}

// preTokenize splits on whitespace and isolates every punctuation rune.
func (t *Tokenizer) preTokenize(text string) []string {
	var words []string
	for _, field := range strings.FieldsFunc(text, isWhitespace) {
		start := 0
		for i, r := range field {
			if !isPunctuation(r) {
				continue
			}
			if i > start {
				words = append(words, field[start:i])
			}
			words = append(words, string(r))
			start = i + utf8.RuneLen(r)
		}
		if start < len(field) {
			words = append(words, field[start:])
		}
	}
	return words
}

// wordPiece performs greedy longest-match-first segmentation.
// A word that cannot be fully segmented becomes a single unknown token.
func (t *Tokenizer) wordPiece(word string) []int64 {
	if utf8.RuneCountInString(word) > t.opts.MaxWordChars {
		return []int64{t.unkID}
	}

	var pieces []int64
	start := 0
	for start < len(word) {
		end := len(word)
		matched := false
		for end > start {
			sub := word[start:end]
			if start > 0 {
				sub = t.opts.SubwordPrefix + sub
			}
			if id, ok := t.vocab[sub]; ok {
				pieces = append(pieces, id)
				matched = true
				break
			}
			_, size := utf8.DecodeLastRuneInString(word[start:end])
			end -= size
		}
		if !matched {
			return []int64{t.unkID}
		}
		start = end
	}
	return pieces
}

func stripAccents(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isWhitespace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	switch r {
	case '\t', '\n', '\r':
		return false
	}
	return unicode.In(r, unicode.Cc, unicode.Cf)
}

func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isChinese(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
