package gcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGCSURI(t *testing.T) {
	bucket, object, err := ParseGCSURI("gs://uploads/uc-1/design.pdf")
	require.NoError(t, err)
	assert.Equal(t, "uploads", bucket)
	assert.Equal(t, "uc-1/design.pdf", object)

	for _, uri := range []string{"", "http://x/y", "gs://", "gs://bucket", "gs://bucket/"} {
		_, _, err := ParseGCSURI(uri)
		assert.Error(t, err, "uri %q", uri)
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TESTCASEFLOW_TEST_KEY", "set")
	assert.Equal(t, "set", GetEnv("TESTCASEFLOW_TEST_KEY", "fallback"))
	assert.Equal(t, "fallback", GetEnv("TESTCASEFLOW_MISSING_KEY", "fallback"))
}
