package httputil

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLimitedBody(t *testing.T) {
	body, err := ReadLimitedBody(strings.NewReader("hello"), 10)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	body, err = ReadLimitedBody(strings.NewReader("helloworld"), 5)
	require.ErrorIs(t, err, ErrResponseBodyTooLarge)
	assert.Equal(t, "hello", string(body))

	// Non-positive limit reads everything.
	body, err = ReadLimitedBody(strings.NewReader("unbounded"), 0)
	require.NoError(t, err)
	assert.Equal(t, "unbounded", string(body))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 30*time.Second, ParseRetryAfter("30", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-5", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon", now))

	date := now.Add(90 * time.Second).Format("Mon, 02 Jan 2006 15:04:05 GMT")
	assert.Equal(t, 90*time.Second, ParseRetryAfter(date, now))

	past := now.Add(-time.Minute).Format("Mon, 02 Jan 2006 15:04:05 GMT")
	assert.Equal(t, time.Duration(0), ParseRetryAfter(past, now))
}

func TestNewPooledClient_Defaults(t *testing.T) {
	client := NewPooledClient(PoolConfig{})
	assert.Equal(t, defaultTimeout, client.Timeout)

	client = NewPooledClient(PoolConfig{Timeout: 5 * time.Second})
	assert.Equal(t, 5*time.Second, client.Timeout)
}
