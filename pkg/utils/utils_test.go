package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvFallbacks(t *testing.T) {
	t.Setenv("PS_INT", "-3")
	t.Setenv("PS_INT64", "0")
	t.Setenv("PS_DURATION", "90")
	t.Setenv("PS_BAD_DURATION", "soon")
	t.Setenv("PS_BOOL", "yes")

	assert.Equal(t, 7, EnvInt("PS_INT", 7))
	assert.Equal(t, int64(0), EnvInt64("PS_INT64", 5))
	assert.Equal(t, 90*time.Second, EnvDuration("PS_DURATION", time.Second))
	assert.Equal(t, time.Second, EnvDuration("PS_BAD_DURATION", time.Second))
	assert.True(t, EnvBool("PS_BOOL", true))
	assert.Equal(t, "fallback", Env("PS_UNSET", "fallback"))
}

func TestEndpointList(t *testing.T) {
	got := EndpointList(" http://b:8545/, http://a:8545,,HTTP://B:8545 ,http://a:8545//")
	assert.Equal(t, []string{"http://b:8545", "http://a:8545"}, got)
	assert.Empty(t, EndpointList(""))
	assert.Empty(t, EndpointList(" , /"))
}
