package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter(t *testing.T) {
	assert.Equal(t, "no bad words here", Filter("no bad words here"))
	assert.Equal(t, "this is ****", Filter("this is spam"))
	assert.Equal(t, "this is ****", Filter("this is SPAM"), "case-insensitive")
	assert.Equal(t, "**** and ****", Filter("scam and abuse"))
}

func TestContainsFiltered(t *testing.T) {
	assert.False(t, ContainsFiltered("perfectly fine"))
	assert.True(t, ContainsFiltered("such a SCAM"))
}
