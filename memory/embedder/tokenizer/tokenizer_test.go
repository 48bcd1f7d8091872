package tokenizer_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	recallerr "github.com/becomeliminal/nim-recall/errors"
	"github.com/becomeliminal/nim-recall/memory/embedder/tokenizer"
)

const testTokenizerJSON = `{
  "added_tokens": [
    {"id": 0, "content": "[PAD]"},
    {"id": 100, "content": "[UNK]"},
    {"id": 101, "content": "[CLS]"},
    {"id": 102, "content": "[SEP]"}
  ],
  "normalizer": {"type": "BertNormalizer", "clean_text": true, "handle_chinese_chars": true, "strip_accents": null, "lowercase": true},
  "pre_tokenizer": {"type": "BertPreTokenizer"},
  "model": {
    "type": "WordPiece",
    "unk_token": "[UNK]",
    "continuing_subword_prefix": "##",
    "max_input_chars_per_word": 100,
    "vocab": {
      "[PAD]": 0, "[UNK]": 100, "[CLS]": 101, "[SEP]": 102,
      "!": 999, ",": 1010, ":": 1024,
      "hello": 7592, "world": 2088, "cafe": 7668,
      "un": 4895, "##believ": 27247, "##able": 3085,
      "query": 23032, "passage": 6019,
      "中": 1746, "国": 1799
    }
  }
}`

func newTestTokenizer(t *testing.T) *tokenizer.Tokenizer {
	t.Helper()
	tok, err := tokenizer.Parse([]byte(testTokenizerJSON))
	require.NoError(t, err)
	return tok
}

func TestEncode_SpecialTokensAndPunctuation(t *testing.T) {
	tok := newTestTokenizer(t)

	enc, err := tok.Encode("Hello, world!", true)
	require.NoError(t, err)

	assert.Equal(t, []int64{101, 7592, 1010, 2088, 999, 102}, enc.IDs)
	assert.Equal(t, []int64{1, 1, 1, 1, 1, 1}, enc.Mask)
	assert.Equal(t, 6, enc.Len())
	assert.Equal(t, 6, enc.Valid())
}

func TestEncode_WithoutSpecialTokens(t *testing.T) {
	tok := newTestTokenizer(t)

	enc, err := tok.Encode("hello world", false)
	require.NoError(t, err)
	assert.Equal(t, []int64{7592, 2088}, enc.IDs)
}

func TestEncode_Deterministic(t *testing.T) {
	tok := newTestTokenizer(t)

	a, err := tok.Encode("query: unbelievable cafe", true)
	require.NoError(t, err)
	b, err := tok.Encode("query: unbelievable cafe", true)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestEncode_WordPieceSegmentation(t *testing.T) {
	tok := newTestTokenizer(t)

	enc, err := tok.Encode("Unbelievable", false)
	require.NoError(t, err)
	assert.Equal(t, []int64{4895, 27247, 3085}, enc.IDs)
}

func TestEncode_UnknownWordBecomesSingleUnk(t *testing.T) {
	tok := newTestTokenizer(t)

	enc, err := tok.Encode("hello unzzz", false)
	require.NoError(t, err)
	assert.Equal(t, []int64{7592, 100}, enc.IDs)
}

func TestEncode_StripsAccentsWhenLowercasing(t *testing.T) {
	tok := newTestTokenizer(t)

	enc, err := tok.Encode("CAFÉ", false)
	require.NoError(t, err)
	assert.Equal(t, []int64{7668}, enc.IDs)
}

func TestEncode_SplitsChineseCharacters(t *testing.T) {
	tok := newTestTokenizer(t)

	enc, err := tok.Encode("中国", false)
	require.NoError(t, err)
	assert.Equal(t, []int64{1746, 1799}, enc.IDs)
}

func TestEncode_DropsControlCharacters(t *testing.T) {
	tok := newTestTokenizer(t)

	enc, err := tok.Encode("hello\u200b\x00 world", false)
	require.NoError(t, err)
	assert.Equal(t, []int64{7592, 2088}, enc.IDs)
}

func TestEncode_InvalidUTF8(t *testing.T) {
	tok := newTestTokenizer(t)

	_, err := tok.Encode("hello \xff\xfe", true)
	require.Error(t, err)
	assert.True(t, recallerr.IsEncoding(err))
}

func TestEncode_EmptyTextKeepsSpecialTokens(t *testing.T) {
	tok := newTestTokenizer(t)

	enc, err := tok.Encode("", true)
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 102}, enc.IDs)
}

func TestFit_Truncates(t *testing.T) {
	tok := newTestTokenizer(t)

	enc, err := tok.Encode("Hello, world!", true) // 6 tokens
	require.NoError(t, err)

	fit := enc.Fit(4)
	assert.Equal(t, []int64{101, 7592, 1010, 2088}, fit.IDs)
	assert.Equal(t, []int64{1, 1, 1, 1}, fit.Mask)

	// The source encoding is left untouched.
	assert.Equal(t, 6, enc.Len())
}

func TestFit_Pads(t *testing.T) {
	tok := newTestTokenizer(t)

	enc, err := tok.Encode("hello world", true) // 4 tokens
	require.NoError(t, err)

	fit := enc.Fit(7)
	require.Equal(t, 7, fit.Len())
	assert.Equal(t, []int64{101, 7592, 2088, 102, 0, 0, 0}, fit.IDs)
	assert.Equal(t, []int64{1, 1, 1, 1, 0, 0, 0}, fit.Mask)
	assert.Equal(t, 4, fit.Valid())
}

func TestFit_ExactLength(t *testing.T) {
	enc := tokenizer.Encoding{IDs: []int64{101, 5, 102}, Mask: []int64{1, 1, 1}}

	fit := enc.Fit(3)
	assert.Equal(t, enc, fit)
}

func TestFit_ShortMask(t *testing.T) {
	enc := tokenizer.Encoding{IDs: []int64{101, 5, 6, 102}, Mask: []int64{1, 1}}

	fit := enc.Fit(5)
	assert.Equal(t, []int64{101, 5, 6, 102, 0}, fit.IDs)
	assert.Equal(t, []int64{1, 1, 0, 0, 0}, fit.Mask)

	assert.NotPanics(t, func() { tokenizer.Encoding{IDs: []int64{1, 2, 3}}.Fit(2) })
}

func TestParse_RejectsUnsupportedModel(t *testing.T) {
	_, err := tokenizer.Parse([]byte(`{"model": {"type": "Unigram", "vocab": {"a": 1}}}`))
	require.Error(t, err)
	assert.True(t, recallerr.HasCode(err, recallerr.CodeTokenizerLoadFailure))
}

func TestNew_RequiresSpecialTokens(t *testing.T) {
	_, err := tokenizer.New(map[string]int64{"[UNK]": 100, "hello": 1}, tokenizer.DefaultOptions)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "special token missing")
}

func TestLoad_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(path, []byte(testTokenizerJSON), 0o600))

	tok, err := tokenizer.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 17, tok.VocabSize())

	_, err = tokenizer.Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, recallerr.HasCode(err, recallerr.CodeTokenizerLoadFailure))
}
