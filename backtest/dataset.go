package backtest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
	"github.com/xyproto/unzip"
)

// Bar is a single daily OHLCV record.
type Bar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Dataset holds price bars keyed by symbol, with a merged date index.
type Dataset struct {
	bars  map[string][]Bar
	dates []time.Time
}

// NewDataset normalizes the payload: bars are sorted per symbol and the
// date index is the union of all bar dates.
func NewDataset(payload map[string][]Bar) *Dataset {
	d := &Dataset{bars: make(map[string][]Bar, len(payload))}
	seen := make(map[time.Time]struct{})
	for symbol, rows := range payload {
		sorted := append([]Bar(nil), rows...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })
		d.bars[strings.ToUpper(symbol)] = sorted
		for _, bar := range sorted {
			seen[bar.Date] = struct{}{}
		}
	}
	d.dates = make([]time.Time, 0, len(seen))
	for date := range seen {
		d.dates = append(d.dates, date)
	}
	sort.Slice(d.dates, func(i, j int) bool { return d.dates[i].Before(d.dates[j]) })
	return d
}

// Dates returns the merged trading calendar in order.
func (d *Dataset) Dates() []time.Time {
	return append([]time.Time(nil), d.dates...)
}

// Symbols returns the symbols present, sorted.
func (d *Dataset) Symbols() []string {
	symbols := make([]string, 0, len(d.bars))
	for symbol := range d.bars {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// Bar returns the symbol's bar on the given date, if any.
func (d *Dataset) Bar(symbol string, date time.Time) (Bar, bool) {
	for _, bar := range d.bars[strings.ToUpper(symbol)] {
		if bar.Date.Equal(date) {
			return bar, true
		}
	}
	return Bar{}, false
}

// PreviousClose returns the last close strictly before the given date.
func (d *Dataset) PreviousClose(symbol string, date time.Time) (float64, bool) {
	var (
		prev  float64
		found bool
	)
	for _, bar := range d.bars[strings.ToUpper(symbol)] {
		if !bar.Date.Before(date) {
			break
		}
		prev = bar.Close
		found = true
	}
	return prev, found
}

// filter keeps bars within [start, end] inclusive; zero bounds are open.
func filter(rows []Bar, start, end time.Time) []Bar {
	out := make([]Bar, 0, len(rows))
	for _, bar := range rows {
		if !start.IsZero() && bar.Date.Before(start) {
			continue
		}
		if !end.IsZero() && bar.Date.After(end) {
			continue
		}
		out = append(out, bar)
	}
	return out
}

// Loader produces a dataset for the requested symbols and window.
type Loader interface {
	Load(symbols []string, start, end time.Time) (*Dataset, error)
}

// InMemoryLoader serves a fixed payload, used by tests and fixtures.
type InMemoryLoader struct {
	payload map[string][]Bar
}

// NewInMemoryLoader builds a loader over the given bars.
func NewInMemoryLoader(payload map[string][]Bar) *InMemoryLoader {
	return &InMemoryLoader{payload: payload}
}

func (l *InMemoryLoader) Load(symbols []string, start, end time.Time) (*Dataset, error) {
	filtered := make(map[string][]Bar)
	for _, symbol := range symbols {
		rows := filter(l.payload[strings.ToUpper(symbol)], start, end)
		if len(rows) > 0 {
			filtered[strings.ToUpper(symbol)] = rows
		}
	}
	return NewDataset(filtered), nil
}

// FileLoader reads bar files from a directory. A symbol's bars live in
// SYMBOL.csv or SYMBOL.csv.xz; a .zip bundle of such files is extracted
// next to itself first.
type FileLoader struct {
	dir string
}

// NewFileLoader builds a loader over the given directory.
func NewFileLoader(dir string) *FileLoader {
	return &FileLoader{dir: dir}
}

// NewZipLoader extracts the bundle into destDir and loads bars from there.
func NewZipLoader(archive, destDir string) (*FileLoader, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create extract dir: %w", err)
	}
	if err := unzip.Extract(archive, destDir); err != nil {
		return nil, fmt.Errorf("extract %s: %w", archive, err)
	}
	return NewFileLoader(destDir), nil
}

func (l *FileLoader) Load(symbols []string, start, end time.Time) (*Dataset, error) {
	payload := make(map[string][]Bar)
	for _, symbol := range symbols {
		symbol = strings.ToUpper(symbol)
		path, err := l.resolve(symbol)
		if err != nil {
			return nil, err
		}
		rows, err := ReadBarFile(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", symbol, err)
		}
		rows = filter(rows, start, end)
		if len(rows) > 0 {
			payload[symbol] = rows
		}
	}
	return NewDataset(payload), nil
}

func (l *FileLoader) resolve(symbol string) (string, error) {
	for _, name := range []string{symbol + ".csv", symbol + ".csv.xz"} {
		path := filepath.Join(l.dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no bar file for %s in %s", symbol, l.dir)
}

// ReadBarFile parses a CSV bar file (date,open,high,low,close,volume), xz
// compressed when the name ends in .xz. A header row is skipped.
func ReadBarFile(path string) ([]Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bar file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".xz") {
		xr, err := xz.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open xz stream: %w", err)
		}
		r = xr
	}
	return readBars(r)
}

func readBars(r io.Reader) ([]Bar, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var bars []Bar
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if len(record) < 5 {
			return nil, fmt.Errorf("line %d: want at least 5 fields, got %d", line, len(record))
		}
		date, err := time.Parse("2006-01-02", strings.TrimSpace(record[0]))
		if err != nil {
			if line == 1 {
				continue // header
			}
			return nil, fmt.Errorf("line %d: bad date %q", line, record[0])
		}
		values := make([]float64, 4)
		for i := 0; i < 4; i++ {
			values[i], err = strconv.ParseFloat(strings.TrimSpace(record[i+1]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad number %q", line, record[i+1])
			}
		}
		bar := Bar{Date: date, Open: values[0], High: values[1], Low: values[2], Close: values[3]}
		if len(record) > 5 {
			bar.Volume, _ = strconv.ParseFloat(strings.TrimSpace(record[5]), 64)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}
