package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", base, KindUnknown},
		{"transient", Transient(base), KindTransient},
		{"validation", Validation(base), KindValidation},
		{"wrapped validation", fmt.Errorf("decode kline: %w", Validation(base)), KindValidation},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestClassifiedUnwraps(t *testing.T) {
	base := errors.New("rate limited")
	err := Transient(base)

	assert.ErrorIs(t, err, base)
	assert.True(t, IsTransient(err))
	assert.False(t, IsValidation(err))
	assert.Nil(t, Transient(nil))
}
