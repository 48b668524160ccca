package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeysAreNamespaced(t *testing.T) {
	c := &Client{namespace: "staging"}
	sb := &SignalBus{c: c}

	assert.Equal(t, "staging:lock:vault:abc", c.Key("lock", "vault:abc"))
	assert.Equal(t, "staging:bus:vault:*", sb.channelKey("vault:*"))
	assert.Equal(t, "staging:stream:vault:abc", sb.streamKey("vault:abc"))
}

func TestStreamPayload(t *testing.T) {
	b, ok := streamPayload("{}")
	assert.True(t, ok)
	assert.Equal(t, []byte("{}"), b)

	b, ok = streamPayload([]byte("[]"))
	assert.True(t, ok)
	assert.Equal(t, []byte("[]"), b)

	_, ok = streamPayload(42)
	assert.False(t, ok)
}
