package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TS01: Error wrapping preserves original error
func TestEngineError_Unwrap_PreservesOriginalError(t *testing.T) {
	// Given: an original error
	originalErr := errors.New("original error")

	// When: wrapping with EngineError
	engErr := New(ErrCodePayloadIO, "payload read failed: batch.jsonl", originalErr)

	// Then: unwrapping returns original error
	require.NotNil(t, engErr)
	assert.Equal(t, originalErr, errors.Unwrap(engErr))
	assert.True(t, errors.Is(engErr, originalErr))
}

func TestEngineError_Error_ReturnsFormattedMessage(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		message  string
		expected string
	}{
		{
			name:     "user error",
			code:     ErrCodeMalformedFilter,
			message:  "unexpected token in filter",
			expected: "[ERR_101_MALFORMED_FILTER] unexpected token in filter",
		},
		{
			name:     "resource error",
			code:     ErrCodeNoSpaceLeft,
			message:  "task environment is out of space",
			expected: "[ERR_202_NO_SPACE_LEFT_ON_DEVICE] task environment is out of space",
		},
		{
			name:     "cooperative error",
			code:     ErrCodeAbortedIndexation,
			message:  "indexation aborted by cancellation",
			expected: "[ERR_401_ABORTED_INDEXATION] indexation aborted by cancellation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message, nil)
			assert.Equal(t, tt.expected, err.Error())
		})
	}
}

func TestEngineError_Is_MatchesByCode(t *testing.T) {
	// Given: two errors with same code
	err1 := New(ErrCodeMapFull, "map full on index A", nil)
	err2 := New(ErrCodeMapFull, "map full on index B", nil)

	// Then: they match by code
	assert.True(t, errors.Is(err1, err2))
}

func TestEngineError_Is_DoesNotMatchDifferentCodes(t *testing.T) {
	// Given: two errors with different codes
	err1 := New(ErrCodeMapFull, "map full", nil)
	err2 := New(ErrCodeMalformedFilter, "bad filter", nil)

	// Then: they don't match
	assert.False(t, errors.Is(err1, err2))
}

func TestEngineError_WithDetails_AddsContext(t *testing.T) {
	// Given: a base error
	err := New(ErrCodeDanglingDocID, "docid referenced but missing", nil)

	// When: adding details
	err = err.WithDetail("docid", "42")
	err = err.WithDetail("index", "catto")

	// Then: details are available
	assert.Equal(t, "42", err.Details["docid"])
	assert.Equal(t, "catto", err.Details["index"])
}

func TestEngineError_WithSuggestion_AddsSuggestion(t *testing.T) {
	// Given: a resource error
	err := New(ErrCodeEmbedderIO, "embedder request timed out", nil)

	// When: adding suggestion
	err = err.WithSuggestion("check the embedder endpoint is reachable")

	// Then: suggestion is available
	assert.Equal(t, "check the embedder endpoint is reachable", err.Suggestion)
}

func TestEngineError_CategoryFromCode(t *testing.T) {
	tests := []struct {
		code         string
		wantCategory Category
	}{
		{ErrCodeMalformedFilter, CategoryUser},
		{ErrCodeDimensionMismatch, CategoryUser},
		{ErrCodeMapFull, CategoryResource},
		{ErrCodeNoSpaceLeft, CategoryResource},
		{ErrCodeCorruptedTaskQueue, CategoryInternal},
		{ErrCodeBatchPanicked, CategoryInternal},
		{ErrCodeAbortedIndexation, CategoryCooperative},
		{ErrCodeUpgradeFailed, CategoryCooperative},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test message", nil)
			assert.Equal(t, tt.wantCategory, err.Category)
		})
	}
}

func TestEngineError_SeverityFromCode(t *testing.T) {
	tests := []struct {
		code         string
		wantSeverity Severity
	}{
		{ErrCodeCorruptedTaskQueue, SeverityFatal},
		{ErrCodeUpgradeFailed, SeverityFatal},
		{ErrCodeDanglingDocID, SeverityError},
		{ErrCodeMapFull, SeverityWarning}, // retryable, so warning
		{ErrCodeEmbedderIO, SeverityWarning},
		{ErrCodeAbortedIndexation, SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test message", nil)
			assert.Equal(t, tt.wantSeverity, err.Severity)
		})
	}
}

func TestEngineError_RetryableFromCode(t *testing.T) {
	tests := []struct {
		code          string
		wantRetryable bool
	}{
		{ErrCodeMapFull, true},
		{ErrCodeEmbedderIO, true},
		{ErrCodeDanglingDocID, false},
		{ErrCodeMalformedFilter, false},
		{ErrCodeCorruptedTaskQueue, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test message", nil)
			assert.Equal(t, tt.wantRetryable, err.Retryable)
		})
	}
}

func TestWrap_CreatesEngineErrorFromError(t *testing.T) {
	// Given: a standard error
	originalErr := errors.New("something went wrong")

	// When: wrapping with a code
	engErr := Wrap(ErrCodeInternal, originalErr)

	// Then: creates proper EngineError
	require.NotNil(t, engErr)
	assert.Equal(t, ErrCodeInternal, engErr.Code)
	assert.Equal(t, "something went wrong", engErr.Message)
	assert.Equal(t, originalErr, engErr.Cause)
}

func TestUserError_CreatesUserCategoryError(t *testing.T) {
	err := UserError(ErrCodeMalformedFilter, "invalid filter syntax", nil)

	assert.Equal(t, CategoryUser, err.Category)
	assert.Contains(t, err.Code, "101")
}

func TestResourceError_CreatesResourceCategoryError(t *testing.T) {
	err := ResourceError(ErrCodeNoSpaceLeft, "cannot write task row", nil)

	assert.Equal(t, CategoryResource, err.Category)
}

func TestResourceError_MapFullIsRetryable(t *testing.T) {
	err := ResourceError(ErrCodeMapFull, "map full on index catto", nil)

	assert.Equal(t, CategoryResource, err.Category)
	assert.True(t, err.Retryable)
}

func TestInternalError_CreatesInternalCategoryError(t *testing.T) {
	err := InternalError("dangling docid in postings", nil)

	assert.Equal(t, CategoryInternal, err.Category)
}

func TestCooperativeError_CreatesCooperativeCategoryError(t *testing.T) {
	err := CooperativeError(ErrCodeAbortedIndexation, "indexation aborted")

	assert.Equal(t, CategoryCooperative, err.Category)
	assert.True(t, IsCooperative(err))
}

func TestIsRetryable_ChecksRetryableFlag(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "retryable EngineError",
			err:      New(ErrCodeMapFull, "map full", nil),
			expected: true,
		},
		{
			name:     "non-retryable EngineError",
			err:      New(ErrCodeDanglingDocID, "dangling docid", nil),
			expected: false,
		},
		{
			name:     "wrapped retryable error",
			err:      Wrap(ErrCodeEmbedderIO, errors.New("wrapped")),
			expected: true,
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestIsFatal_ChecksFatalSeverity(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "fatal error",
			err:      New(ErrCodeCorruptedTaskQueue, "task queue corrupt", nil),
			expected: true,
		},
		{
			name:     "upgrade failed",
			err:      New(ErrCodeUpgradeFailed, "upgrade task failed", nil),
			expected: true,
		},
		{
			name:     "non-fatal error",
			err:      New(ErrCodeDanglingDocID, "dangling docid", nil),
			expected: false,
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsFatal(tt.err))
		})
	}
}
