package store

import (
	"context"
	"io"
	"log"
	"testing"

	"cart-consolidation/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMemory(t *testing.T) {
	s, err := Open(context.Background(), config.Config{Store: "memory"}, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	defer s.Close()

	assert.NotNil(t, s.Carts)
	assert.Nil(t, s.Ping)
}

func TestOpenUnknown(t *testing.T) {
	_, err := Open(context.Background(), config.Config{Store: "etcd"}, log.New(io.Discard, "", 0))
	assert.ErrorContains(t, err, "etcd")
}
