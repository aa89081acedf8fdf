package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterSpacesSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{Delay: 100 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://www5.trf5.jus.br/cp/"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://WWW5.trf5.jus.br/cp/consulta"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterDifferentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{Delay: time.Second})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for range 5 {
		require.NoError(t, l.Wait(ctx, "https://www5.trf5.jus.br/cp/"))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{Delay: time.Hour})
	require.NoError(t, l.Wait(context.Background(), "https://www5.trf5.jus.br/"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, l.Wait(ctx, "https://www5.trf5.jus.br/"))
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, "www5.trf5.jus.br", hostOf("https://WWW5.TRF5.JUS.BR/cp"))
	require.Equal(t, "unknown", hostOf("%%"))
	require.Equal(t, "unknown", hostOf(""))
}
