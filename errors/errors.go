// Package errors defines the coded error taxonomy shared by every component.
//
// Codes are dotted strings whose last segment is the reason. Callers
// classify errors through the Is* predicates instead of matching messages.
package errors

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeTokenizerEncodeInvalid Code = "tokenizer.encode.invalid_input"
	CodeTokenizerLoadFailure   Code = "tokenizer.load.failure"

	CodeEmbedderRequestInvalid   Code = "embedder.request.invalid_input"
	CodeEmbedderInvalidEmbedding Code = "embedder.pool.invalid_embedding"
	CodeEmbedderModelLoadFailure Code = "embedder.model.load_failure"
	CodeEmbedderModelInvalid     Code = "embedder.model.invalid_output"
	CodeEmbedderUpstreamFailure  Code = "embedder.upstream.failure"

	CodeStoreUnavailable       Code = "store.upstream.unavailable"
	CodeStoreDimensionMismatch Code = "store.collection.dimension_mismatch"
	CodeStoreRequestInvalid    Code = "store.request.invalid_input"
	CodeStoreWriteHalted       Code = "store.write.halted"

	CodeOracleUpstreamFailure Code = "oracle.upstream.failure"
	CodeOracleResponseInvalid Code = "oracle.response.invalid_format"

	CodeEngineTurnInvalid Code = "engine.turn.invalid_input"

	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeServerRequestInvalid  Code = "server.request.invalid_input"
	CodeServerInternalFailure Code = "server.internal.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldCollection(value string) Attr {
	return Field("collection", value)
}

func FieldUID(value string) Attr {
	return Field("uid", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// CodeOf returns the innermost code in err's chain, or "" for uncoded errors.
// Wrapping a coded error therefore keeps its original classification.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	switch code := oopsErr.Code().(type) {
	case Code:
		return code
	case string:
		return Code(code)
	case nil:
		return ""
	default:
		return Code(fmt.Sprintf("%v", code))
	}
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// IsEncoding reports whether the input text could not be tokenized.
func IsEncoding(err error) bool {
	return HasCode(err, CodeTokenizerEncodeInvalid)
}

// IsInvalidEmbedding reports whether an embedding was degenerate and must not be used.
func IsInvalidEmbedding(err error) bool {
	return reason(CodeOf(err)) == "invalid_embedding"
}

// IsStoreUnavailable reports a transport or protocol failure talking to the vector store.
func IsStoreUnavailable(err error) bool {
	return HasCode(err, CodeStoreUnavailable)
}

// IsDimensionMismatch reports a vector whose size conflicts with its collection.
func IsDimensionMismatch(err error) bool {
	return reason(CodeOf(err)) == "dimension_mismatch"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

func IsUpstreamFailure(err error) bool {
	code := CodeOf(err)
	return strings.Contains(string(code), "upstream")
}

// HTTPStatus maps an error to the status the transport layer should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsDimensionMismatch(err), HasCode(err, CodeStoreWriteHalted):
		return http.StatusConflict
	case IsUpstreamFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
