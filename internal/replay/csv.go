package replay

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"orderLifecycleBot/internal/domain"
)

var klineHeader = []string{"open_time", "close_time", "symbol", "interval", "open", "high", "low", "close", "volume"}

// WriteKlines writes klines as CSV with a header row.
func WriteKlines(w io.Writer, klines []*domain.Kline) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(klineHeader); err != nil {
		return err
	}
	for _, k := range klines {
		err := writer.Write([]string{
			k.OpenTime.UTC().Format(time.RFC3339),
			k.CloseTime.UTC().Format(time.RFC3339),
			k.Symbol,
			k.Interval,
			strconv.FormatFloat(k.Open, 'f', -1, 64),
			strconv.FormatFloat(k.High, 'f', -1, 64),
			strconv.FormatFloat(k.Low, 'f', -1, 64),
			strconv.FormatFloat(k.Close, 'f', -1, 64),
			strconv.FormatFloat(k.Volume, 'f', -1, 64),
		})
		if err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadKlines parses CSV written by WriteKlines. Every row is a closed candle.
func ReadKlines(r io.Reader) ([]*domain.Kline, error) {
	rows, err := readRows(r, len(klineHeader))
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Kline, 0, len(rows))
	for i, row := range rows {
		k := &domain.Kline{Symbol: strings.ToUpper(row[2]), Interval: row[3], IsFinal: true}
		var errs []string
		k.OpenTime = parseTime(row[0], "open_time", &errs)
		k.CloseTime = parseTime(row[1], "close_time", &errs)
		k.Open = parseNum(row[4], "open", &errs)
		k.High = parseNum(row[5], "high", &errs)
		k.Low = parseNum(row[6], "low", &errs)
		k.Close = parseNum(row[7], "close", &errs)
		k.Volume = parseNum(row[8], "volume", &errs)
		if len(errs) == 0 && (k.Low > k.High || k.Close <= 0 || !k.CloseTime.After(k.OpenTime)) {
			errs = append(errs, "inconsistent candle")
		}
		if len(errs) > 0 {
			return nil, fmt.Errorf("kline row %d: %s", i+2, strings.Join(errs, "; "))
		}
		out = append(out, k)
	}
	return out, nil
}

// ReadSignals parses rows of time,symbol,side[,edge_bps[,atr]]. Prices come
// from the candle the signal lands on during a run.
func ReadSignals(r io.Reader) ([]domain.Signal, error) {
	rows, err := readRows(r, -1)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Signal, 0, len(rows))
	for i, row := range rows {
		if len(row) < 3 || len(row) > 5 {
			return nil, fmt.Errorf("signal row %d: want 3 to 5 fields, got %d", i+2, len(row))
		}
		var errs []string
		sig := domain.Signal{
			Time:   parseTime(row[0], "time", &errs),
			Symbol: strings.ToUpper(row[1]),
			Side:   domain.OrderSide(strings.ToUpper(row[2])),
		}
		if !sig.Side.Valid() {
			errs = append(errs, fmt.Sprintf("side %q", row[2]))
		}
		if len(row) > 3 && row[3] != "" {
			sig.ExpectedEdgeBps = parseNum(row[3], "edge_bps", &errs)
		}
		if len(row) > 4 && row[4] != "" {
			sig.ATR = parseNum(row[4], "atr", &errs)
		}
		if len(errs) > 0 {
			return nil, fmt.Errorf("signal row %d: %s", i+2, strings.Join(errs, "; "))
		}
		out = append(out, sig)
	}
	return out, nil
}

// readRows reads all records and drops the header row.
func readRows(r io.Reader, fields int) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = fields
	reader.TrimLeadingSpace = true
	reader.Comment = '#'
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[1:], nil
}

func parseTime(s, name string, errs *[]string) time.Time {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s %q", name, s))
	}
	return t.UTC()
}

func parseNum(s, name string, errs *[]string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		*errs = append(*errs, fmt.Sprintf("%s %q", name, s))
	}
	return v
}
