package jetstream

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zam-cv/microtime/errors"
)

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(t.Context(), nil, Config{})
	assert.True(t, errors.IsInvalid(err))
}
