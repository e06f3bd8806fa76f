package backtest

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestDatasetDateIndexAndLookups(t *testing.T) {
	t.Parallel()

	d := NewDataset(map[string][]Bar{
		"aapl": {
			{Date: day("2024-01-03"), Close: 103},
			{Date: day("2024-01-01"), Close: 101},
		},
		"MSFT": {
			{Date: day("2024-01-02"), Close: 202},
		},
	})

	assert.Equal(t, []time.Time{day("2024-01-01"), day("2024-01-02"), day("2024-01-03")}, d.Dates())
	assert.Equal(t, []string{"AAPL", "MSFT"}, d.Symbols())

	bar, ok := d.Bar("AAPL", day("2024-01-03"))
	require.True(t, ok)
	assert.Equal(t, 103.0, bar.Close)

	_, ok = d.Bar("MSFT", day("2024-01-01"))
	assert.False(t, ok)

	prev, ok := d.PreviousClose("AAPL", day("2024-01-03"))
	require.True(t, ok)
	assert.Equal(t, 101.0, prev)

	_, ok = d.PreviousClose("AAPL", day("2024-01-01"))
	assert.False(t, ok, "no close strictly before the first bar")
}

func TestInMemoryLoaderFiltersWindow(t *testing.T) {
	t.Parallel()

	loader := NewInMemoryLoader(map[string][]Bar{
		"AAPL": {
			{Date: day("2024-01-01"), Close: 100},
			{Date: day("2024-01-02"), Close: 101},
			{Date: day("2024-01-03"), Close: 102},
		},
	})

	d, err := loader.Load([]string{"AAPL"}, day("2024-01-02"), day("2024-01-03"))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day("2024-01-02"), day("2024-01-03")}, d.Dates())
}

const sampleCSV = `date,open,high,low,close,volume
2024-01-01,100,105,99,104,1200
2024-01-02,104,106,101,102,900
`

func TestReadBarFileCSV(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "AAPL.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o644))

	bars, err := ReadBarFile(path)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 104.0, bars[0].Close)
	assert.Equal(t, 1200.0, bars[0].Volume)
	assert.Equal(t, day("2024-01-02"), bars[1].Date)
}

func TestReadBarFileXZ(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "AAPL.csv.xz")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := xz.NewWriter(f)
	require.NoError(t, err)
	_, err = w.Write([]byte(sampleCSV))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	bars, err := ReadBarFile(path)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 102.0, bars[1].Close)
}

func TestReadBarFileRejectsBadRows(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	badNumber := filepath.Join(dir, "A.csv")
	require.NoError(t, os.WriteFile(badNumber, []byte("2024-01-01,100,105,99,oops\n"), 0o644))
	_, err := ReadBarFile(badNumber)
	assert.Error(t, err)

	badDate := filepath.Join(dir, "B.csv")
	require.NoError(t, os.WriteFile(badDate, []byte("header,row,here,x,y\nnot-a-date,1,2,3,4\n"), 0o644))
	_, err = ReadBarFile(badDate)
	assert.Error(t, err)
}

func TestFileLoader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AAPL.csv"), []byte(sampleCSV), 0o644))

	loader := NewFileLoader(dir)
	d, err := loader.Load([]string{"aapl"}, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, d.Dates(), 2)

	_, err = loader.Load([]string{"MISSING"}, time.Time{}, time.Time{})
	assert.Error(t, err)
}

func TestZipLoader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := filepath.Join(dir, "bundle.zip")
	f, err := os.Create(archive)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	entry, err := zw.Create("AAPL.csv")
	require.NoError(t, err)
	_, err = entry.Write([]byte(sampleCSV))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	loader, err := NewZipLoader(archive, filepath.Join(dir, "extracted"))
	require.NoError(t, err)
	d, err := loader.Load([]string{"AAPL"}, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, d.Dates(), 2)
}
