package market

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// ReadCSV parses candles from CSV with a header row. Recognized columns are
// time/open_time/timestamp (unix seconds, unix milliseconds, or RFC3339),
// open, high, low, close, volume. Extra columns are ignored.
func ReadCSV(r io.Reader) ([]Candle, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	timeIdx, ok := findColumn(cols, "time", "open_time", "timestamp", "ts")
	if !ok {
		return nil, fmt.Errorf("csv missing time column")
	}
	for _, required := range []string{"open", "high", "low", "close"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("csv missing %s column", required)
		}
	}

	var out []Candle
	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line+1, err)
		}
		line++

		ts, err := parseTimestamp(record[timeIdx])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		c := Candle{OpenTime: ts}
		if c.Open, err = strconv.ParseFloat(record[cols["open"]], 64); err != nil {
			return nil, fmt.Errorf("line %d open: %w", line, err)
		}
		if c.High, err = strconv.ParseFloat(record[cols["high"]], 64); err != nil {
			return nil, fmt.Errorf("line %d high: %w", line, err)
		}
		if c.Low, err = strconv.ParseFloat(record[cols["low"]], 64); err != nil {
			return nil, fmt.Errorf("line %d low: %w", line, err)
		}
		if c.Close, err = strconv.ParseFloat(record[cols["close"]], 64); err != nil {
			return nil, fmt.Errorf("line %d close: %w", line, err)
		}
		if vi, ok := cols["volume"]; ok && record[vi] != "" {
			if c.Volume, err = strconv.ParseFloat(record[vi], 64); err != nil {
				return nil, fmt.Errorf("line %d volume: %w", line, err)
			}
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// LoadCSVFile reads candles from a CSV file on disk.
func LoadCSVFile(path string) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open candles: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// jsonCandle mirrors the wire shape used by the tool layer.
type jsonCandle struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// ReadJSON parses a candle array with unix-millisecond open_time fields.
func ReadJSON(r io.Reader) ([]Candle, error) {
	var wire []jsonCandle
	if err := json.NewDecoder(r).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}
	out := make([]Candle, len(wire))
	for i, w := range wire {
		out[i] = Candle{
			OpenTime: time.UnixMilli(w.OpenTime).UTC(),
			Open:     w.Open, High: w.High, Low: w.Low, Close: w.Close,
			Volume: w.Volume,
		}
		if err := out[i].Validate(); err != nil {
			return nil, fmt.Errorf("candle %d: %w", i, err)
		}
	}
	return out, nil
}

// LoadFile dispatches on extension: .json or .csv.
func LoadFile(path string) ([]Candle, error) {
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open candles: %w", err)
		}
		defer f.Close()
		return ReadJSON(f)
	}
	return LoadCSVFile(path)
}

func findColumn(cols map[string]int, names ...string) (int, bool) {
	for _, n := range names {
		if i, ok := cols[n]; ok {
			return i, true
		}
	}
	return 0, false
}

// parseTimestamp accepts unix seconds, unix milliseconds, or RFC3339.
func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// Millisecond stamps are 13 digits until the year 33658.
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
	}
	return ts.UTC(), nil
}
