package convert_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/docserve/internal/convert"
	"github.com/zjrosen/docserve/internal/convert/enginetest"
)

func optionsWithBackend(b convert.PdfBackend) convert.Options {
	o := convert.DefaultOptions()
	o.PdfBackend = b
	return o
}

func TestFactoryReuse(t *testing.T) {
	eng := &enginetest.Engine{}
	f, err := convert.NewFactory(eng, convert.Policy{}, 2)
	require.NoError(t, err)

	c1, fp1, err := f.Converter(context.Background(), convert.DefaultOptions())
	require.NoError(t, err)
	c2, fp2, err := f.Converter(context.Background(), convert.DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
	assert.Same(t, c1, c2)
	assert.EqualValues(t, 1, eng.Builds())
}

func TestFactoryEviction(t *testing.T) {
	eng := &enginetest.Engine{}
	f, err := convert.NewFactory(eng, convert.Policy{}, 2)
	require.NoError(t, err)

	ctx := context.Background()
	_, _, err = f.Converter(ctx, optionsWithBackend(convert.BackendDlparseV4))
	require.NoError(t, err)
	_, _, err = f.Converter(ctx, optionsWithBackend(convert.BackendDlparseV2))
	require.NoError(t, err)
	_, _, err = f.Converter(ctx, optionsWithBackend(convert.BackendPyPdfium))
	require.NoError(t, err)

	assert.Equal(t, 2, f.Len())
	assert.EqualValues(t, 3, eng.Builds())

	// The least recently used entry was dropped, so asking for it again
	// rebuilds.
	_, _, err = f.Converter(ctx, optionsWithBackend(convert.BackendDlparseV4))
	require.NoError(t, err)
	assert.EqualValues(t, 4, eng.Builds())
}

func TestFactoryClear(t *testing.T) {
	eng := &enginetest.Engine{}
	f, err := convert.NewFactory(eng, convert.Policy{}, 4)
	require.NoError(t, err)

	ctx := context.Background()
	_, _, err = f.Converter(ctx, optionsWithBackend(convert.BackendDlparseV4))
	require.NoError(t, err)
	_, _, err = f.Converter(ctx, optionsWithBackend(convert.BackendPyPdfium))
	require.NoError(t, err)

	assert.Equal(t, 2, f.Clear())
	assert.Equal(t, 0, f.Len())

	_, _, err = f.Converter(ctx, optionsWithBackend(convert.BackendDlparseV4))
	require.NoError(t, err)
	assert.EqualValues(t, 3, eng.Builds())
}

func TestFactoryBuildError(t *testing.T) {
	buildErr := errors.New("model load failed")
	eng := &enginetest.Engine{FailBuild: buildErr}
	f, err := convert.NewFactory(eng, convert.Policy{}, 2)
	require.NoError(t, err)

	_, _, err = f.Converter(context.Background(), convert.DefaultOptions())
	require.ErrorIs(t, err, buildErr)
	assert.Equal(t, 0, f.Len())
}

func TestFactoryUnavailableEngine(t *testing.T) {
	eng := &enginetest.Engine{}
	f, err := convert.NewFactory(eng, convert.Policy{
		AvailableOCREngines: []convert.OCREngine{convert.OCREasyOCR},
	}, 2)
	require.NoError(t, err)

	opts := convert.DefaultOptions()
	opts.OCREngine = convert.OCRRapidOCR
	_, _, err = f.Converter(context.Background(), opts)
	require.ErrorIs(t, err, convert.ErrUnavailableEngine)
}

func TestFactorySingleFlightBuild(t *testing.T) {
	eng := &enginetest.Engine{}
	f, err := convert.NewFactory(eng, convert.Policy{}, 2)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	converters := make([]convert.Converter, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _, err := f.Converter(context.Background(), convert.DefaultOptions())
			assert.NoError(t, err)
			converters[i] = c
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, eng.Builds())
	for i := 1; i < n; i++ {
		assert.Same(t, converters[0], converters[i])
	}
}

func TestFactorySerializesUnsafeConverters(t *testing.T) {
	release := make(chan struct{})
	eng := &enginetest.Engine{Safe: false, Delay: release}
	f, err := convert.NewFactory(eng, convert.Policy{}, 2)
	require.NoError(t, err)

	conv, _, err := f.Converter(context.Background(), convert.DefaultOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := conv.ConvertAll(ctx, []convert.Source{{Name: "a.pdf"}}, nil)
			assert.NoError(t, err)
		}()
	}

	close(release)
	wg.Wait()

	// The wrapper admits one ConvertAll at a time.
	assert.EqualValues(t, 1, eng.MaxConcurrent())
}

func TestFactoryWarmUp(t *testing.T) {
	eng := &enginetest.Engine{}
	f, err := convert.NewFactory(eng, convert.Policy{}, 2)
	require.NoError(t, err)

	require.NoError(t, f.WarmUp(context.Background()))
	assert.Equal(t, 1, f.Len())

	// The warmed converter serves the default options without a rebuild.
	_, _, err = f.Converter(context.Background(), convert.DefaultOptions())
	require.NoError(t, err)
	assert.EqualValues(t, 1, eng.Builds())
}
