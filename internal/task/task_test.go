package task

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/docserve/internal/convert"
)

func TestSetStatusTimestamps(t *testing.T) {
	tk := New("t1", nil, convert.DefaultOptions())
	require.Equal(t, StatusPending, tk.Status)
	require.False(t, tk.Meta.CreatedAt.IsZero())
	require.Nil(t, tk.Meta.StartedAt)
	require.NotNil(t, tk.Meta.LastUpdateAt)

	require.NoError(t, tk.SetStatus(StatusStarted))
	require.NotNil(t, tk.Meta.StartedAt)
	startedAt := *tk.Meta.StartedAt
	assert.False(t, startedAt.Before(tk.Meta.CreatedAt))
	assert.Nil(t, tk.Meta.FinishedAt)

	// started_at is written once.
	require.NoError(t, tk.SetStatus(StatusStarted))
	assert.Equal(t, startedAt, *tk.Meta.StartedAt)

	require.NoError(t, tk.SetStatus(StatusSuccess))
	require.NotNil(t, tk.Meta.FinishedAt)
	finishedAt := *tk.Meta.FinishedAt
	assert.False(t, finishedAt.Before(startedAt))

	// finished_at is written once too.
	require.NoError(t, tk.SetStatus(StatusFailure))
	assert.Equal(t, finishedAt, *tk.Meta.FinishedAt)
}

func TestSetStatusRejectsRegression(t *testing.T) {
	tk := New("t1", nil, convert.DefaultOptions())
	require.NoError(t, tk.SetStatus(StatusSuccess))
	require.Error(t, tk.SetStatus(StatusPending))
	require.Error(t, tk.SetStatus(StatusStarted))
	assert.Equal(t, StatusSuccess, tk.Status)
}

func TestLastUpdateMonotone(t *testing.T) {
	tk := New("t1", nil, convert.DefaultOptions())
	first := *tk.Meta.LastUpdateAt
	time.Sleep(2 * time.Millisecond)
	tk.Touch()
	assert.True(t, tk.Meta.LastUpdateAt.After(first))
}

func TestReleaseInputs(t *testing.T) {
	tk := New("t1", []Source{HTTPSource("http://example.com/a.pdf", nil)}, convert.DefaultOptions())
	tk.ReleaseInputs()
	assert.Nil(t, tk.Sources)
	assert.Nil(t, tk.Options)
}

func TestFinishedBefore(t *testing.T) {
	tk := New("t1", nil, convert.DefaultOptions())
	cutoff := time.Now().UTC().Add(time.Hour)

	assert.False(t, tk.FinishedBefore(cutoff), "pending task is never finished")

	require.NoError(t, tk.SetStatus(StatusSuccess))
	assert.True(t, tk.FinishedBefore(cutoff))
	assert.False(t, tk.FinishedBefore(time.Now().UTC().Add(-time.Hour)))
}

func TestEngineSources(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("%PDF-1.7"))
	sources := []Source{
		HTTPSource("http://example.com/a.pdf", nil),
		HTTPSource("http://example.com/b.pdf", map[string]string{"Authorization": "Bearer tok"}),
		HTTPSource("http://example.com/c.pdf", map[string]string{"Authorization": "Bearer other"}),
		FileSource("d.pdf", payload),
		StreamSource("e.pdf", []byte("%PDF-1.7")),
	}

	flat, headers, err := EngineSources(sources)
	require.NoError(t, err)
	require.Len(t, flat, 5)

	// First non-empty header set wins.
	assert.Equal(t, map[string]string{"Authorization": "Bearer tok"}, headers)

	assert.Equal(t, "http://example.com/a.pdf", flat[0].URL)
	assert.Equal(t, "d.pdf", flat[3].Name)
	assert.Equal(t, []byte("%PDF-1.7"), flat[3].Data)
	assert.Equal(t, "e.pdf", flat[4].Name)
}

func TestEngineSourcesBadBase64(t *testing.T) {
	_, _, err := EngineSources([]Source{FileSource("x.pdf", "not base64!!")})
	require.Error(t, err)
}
