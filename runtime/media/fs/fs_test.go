package fs

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neomentor/engine/runtime/media"
)

func TestPutOpenRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	uri, err := s.Put(context.Background(), "voice.wav", strings.NewReader("RIFF...."))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"), uri)

	rc, err := s.Open(context.Background(), uri)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "RIFF....", string(data))
}

func TestPutNeverOverwrites(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	a, err := s.Put(context.Background(), "clip.mp4", strings.NewReader("a"))
	require.NoError(t, err)
	b, err := s.Put(context.Background(), "clip.mp4", strings.NewReader("b"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestOpenUnknownURI(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Open(context.Background(), "file:///does/not/exist.bin")
	require.ErrorIs(t, err, media.ErrNotFound)
}

func TestOpenRejectsEscapingPaths(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Open(context.Background(), "file:///etc/passwd")
	require.ErrorIs(t, err, media.ErrNotFound)
}
