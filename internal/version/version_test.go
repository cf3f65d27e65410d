package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	v := Get()
	assert.NotEmpty(t, v)
	assert.Equal(t, v, String())

	Commit = "abc123"
	t.Cleanup(func() { Commit = "" })
	assert.Equal(t, v+" (abc123)", String())
}
