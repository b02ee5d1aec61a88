package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_InvalidURL(t *testing.T) {
	_, err := Open(context.Background(), Config{URL: "postgres://%zz"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse database url")
}

func TestClose_NilSafe(t *testing.T) {
	var s *Store
	s.Close()
}
