package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecureCompareEqualStrings(t *testing.T) {
	assert.True(t, SecureCompare("s3cr3t-token", "s3cr3t-token"))
}

func TestSecureCompareDifferentStrings(t *testing.T) {
	assert.False(t, SecureCompare("s3cr3t-token", "wrong-token"))
}

func TestSecureCompareDifferentLengths(t *testing.T) {
	assert.False(t, SecureCompare("short", "a-much-longer-token"))
}

func TestSecureCompareEmptyStrings(t *testing.T) {
	assert.True(t, SecureCompare("", ""))
}
