package errors_test

import (
	"fmt"
	"testing"

	"github.com/shaunagostinho/obdlog/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestFactoryMessages(t *testing.T) {
	f := errors.New()

	err := f.New(errors.ErrMissingAddress)
	assert.Equal(t, "No device address configured", err.Error())
	assert.Equal(t, errors.ErrMissingAddress, err.Code())

	err = f.WithMessage(errors.ErrDriverNotFound, "no driver named Alex")
	assert.Equal(t, "no driver named Alex", err.Error())

	wrapped := f.Wrap(errors.ErrDialFailed, fmt.Errorf("connection refused"))
	assert.Equal(t, "Failed to open adapter channel: connection refused", wrapped.Error())
}

func TestKindOf(t *testing.T) {
	f := errors.New()

	tests := []struct {
		name string
		err  error
		want errors.Kind
	}{
		{"configuration", f.New(errors.ErrMissingAddress), errors.KindConfiguration},
		{"connection", f.New(errors.ErrDialFailed), errors.KindConnection},
		{"protocol", f.New(errors.ErrTimeout), errors.KindProtocol},
		{"persistence", f.New(errors.ErrStorageWrite), errors.KindPersistence},
		{"plain", fmt.Errorf("boom"), errors.KindInternal},
		{"wrapped by fmt", fmt.Errorf("tick: %w", f.New(errors.ErrNoData)), errors.KindProtocol},
		{"outermost wins", f.Wrap(errors.ErrNegotiationFailed, f.New(errors.ErrTimeout)), errors.KindConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.KindOf(tt.err))
		})
	}
}

func TestHasCode(t *testing.T) {
	f := errors.New()
	err := f.Wrap(errors.ErrNegotiationFailed, f.New(errors.ErrTimeout))

	assert.True(t, errors.HasCode(err, errors.ErrTimeout))
	assert.True(t, errors.HasCode(err, errors.ErrNegotiationFailed))
	assert.False(t, errors.HasCode(err, errors.ErrNoData))
	assert.Equal(t, errors.ErrNegotiationFailed, errors.CodeOf(err))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "protocol", errors.KindProtocol.String())
	assert.Equal(t, "internal", errors.Kind(99).String())
}
