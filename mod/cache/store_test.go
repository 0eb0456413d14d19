package cache

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "cache-store-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	s, err := NewStore(dir)
	require.NoError(t, err)
	return s
}

func sampleMetadata() *Metadata {
	m := NewMetadata()
	m.Set(HeaderContentLength, "1048576")
	m.Set(HeaderETag, "abc")
	m.Set(HeaderLastModified, "Mon, 01 Jan 2024 00:00:00 GMT")
	m.Set(HeaderContentType, "application/octet-stream")
	m.Set(KeyOrigURL, "/foo.bin")
	m.Set(KeyHostname, "origin.example.com")
	m.Set(KeyOrigETag, `"abc"`)
	m.Set(KeyIsWeak, "0")
	m.Set(KeyCachingPID, "4242")
	return m
}

func TestWriteReadMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	m := sampleMetadata()

	require.NoError(t, s.WriteMetadata("abc", m))
	assert.False(t, s.Exists("abc")) // filedata not created yet

	_, err := s.CreateDataFile("abc")
	require.NoError(t, err)
	assert.True(t, s.Exists("abc"))

	got, err := s.ReadMetadata("abc")
	require.NoError(t, err)

	var gotPairs, wantPairs []string
	got.Range(func(k, v string) bool { gotPairs = append(gotPairs, k+"="+v); return true })
	m.Range(func(k, v string) bool { wantPairs = append(wantPairs, k+"="+v); return true })
	assert.Equal(t, wantPairs, gotPairs)

	assert.True(t, got.IsValidEntry("abc"))
}

func TestParseMetadataDropsIncompleteTrailingPair(t *testing.T) {
	raw := "Content-Length\n100\nETag\n" // dangling key with no value
	m, err := ParseMetadata(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())
	v, ok := m.Get("Content-Length")
	assert.True(t, ok)
	assert.Equal(t, "100", v)
}

func TestParseMetadataStopsOnEmptyKeyLine(t *testing.T) {
	raw := "Content-Length\n100\n\nETag\n\"abc\"\n"
	m, err := ParseMetadata(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())
	assert.False(t, m.Has("ETag"))
}

func TestRemoveIsIdempotentOnMissingFiles(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Remove("does-not-exist"))
}

func TestDataSizeTracksGrowth(t *testing.T) {
	s := newTestStore(t)
	f, err := s.CreateDataFile("abc")
	require.NoError(t, err)
	defer f.Close()

	sz, err := s.DataSize("abc")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sz)

	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	sz, err = s.DataSize("abc")
	require.NoError(t, err)
	assert.Equal(t, int64(5), sz)
}
