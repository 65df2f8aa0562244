package failures

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_WrappedError(t *testing.T) {
	base := New(ClientRejected, "upsert", errors.New("bad request"))
	wrapped := fmt.Errorf("persist record abc: %w", base)

	assert.Equal(t, ClientRejected, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, ClientRejected))
	assert.False(t, IsKind(wrapped, TransientFailure))
	assert.True(t, errors.Is(wrapped, &Error{Kind: ClientRejected}))
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("boom")))
	assert.False(t, IsKind(nil, Unknown))
}

func TestKind_Retryable(t *testing.T) {
	assert.True(t, TransientFailure.Retryable())
	assert.True(t, Unknown.Retryable())
	assert.False(t, ValidationFailure.Retryable())
	assert.False(t, ClientRejected.Retryable())
	assert.False(t, AuthenticationFailure.Retryable())
}

func TestError_Message(t *testing.T) {
	err := Newf(MalformedResponse, "extract", "missing %s", "results")
	assert.Equal(t, "extract: malformed_response: missing results", err.Error())
	assert.Equal(t, "malformed_response", MalformedResponse.String())
}
