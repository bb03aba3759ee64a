package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitializeIsIdempotent(t *testing.T) {
	assert.NoError(t, Initialize(true))
	assert.NoError(t, Initialize(false))
	assert.NotNil(t, GetLogger())
}

func TestAppendContextFields(t *testing.T) {
	ctx := context.WithValue(context.Background(), CorrelationIDKey, "corr-1")
	ctx = WithProject(ctx, "p1")
	ctx = WithSession(ctx, "s1")

	fields := appendContextFields(ctx, nil)
	// correlation + project + session + service
	assert.Len(t, fields, 4)
}

func TestAppendContextFieldsNilContext(t *testing.T) {
	fields := appendContextFields(nil, nil) //nolint:staticcheck
	assert.Empty(t, fields)
}

func TestRedactKey(t *testing.T) {
	assert.Equal(t, "***", RedactKey("short"))
	assert.Equal(t, "p1_abcde***", RedactKey("p1_abcdef0123456789"))
}
