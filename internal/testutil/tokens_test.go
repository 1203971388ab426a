package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceTokens_Generate_Numbered(t *testing.T) {
	g := NewSequenceTokens("trace")

	assert.Equal(t, "trace-000001", g.Generate())
	assert.Equal(t, "trace-000002", g.Generate())
	assert.Equal(t, "trace-000003", g.Generate())
	assert.Equal(t, 3, g.Count())
}

func TestSequenceTokens_DefaultPrefix(t *testing.T) {
	g := NewSequenceTokens("")

	assert.Equal(t, "cycle-000001", g.Generate())
}
