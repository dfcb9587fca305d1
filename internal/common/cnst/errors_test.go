package cnst

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrors(t *testing.T) {
	assert.Equal(t, "notifier cannot receive updates", ErrNotReceiver.Error())
	assert.Equal(t, "notifier cannot send updates", ErrNotSender.Error())

	wrapped := fmt.Errorf("payment:prod:main: %w", ErrConfigNotFound)
	assert.True(t, errors.Is(wrapped, ErrConfigNotFound))
	assert.False(t, errors.Is(wrapped, ErrReadOnlySource))
}
