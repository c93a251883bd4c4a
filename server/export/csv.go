// Package export serializes tracks as CSV: one header row, one row per
// track, comma-delimited with RFC 4180 quoting. List-valued fields are packed
// into a single field joined by ListDelimiter.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/san-kum/object-tracker/server/models"
)

const ListDelimiter = "|"

var Header = []string{
	"label",
	"key",
	"start",
	"finish",
	"is_complete",
	"speed",
	"direction",
	"confidence",
	"last_box_x",
	"last_box_y",
	"last_box_width",
	"last_box_height",
	"total_movement_x",
	"total_movement_y",
	"net_movement_x",
	"net_movement_y",
	"distance",
	"displacement",
	"movement_history_x",
	"movement_history_y",
	"confidence_samples",
}

var ErrMalformedRow = errors.New("malformed track row")

// WriteCSV writes the header and one row per item. ctx is checked before
// every row.
func WriteCSV(ctx context.Context, w io.Writer, items []models.TrackedItem) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for i := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := cw.Write(Row(&items[i])); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Row renders one track in Header order.
func Row(item *models.TrackedItem) []string {
	return []string{
		item.Label,
		strconv.FormatUint(uint64(item.Key), 10),
		strconv.FormatUint(item.Start, 10),
		strconv.FormatUint(item.Finish, 10),
		strconv.FormatBool(item.IsComplete),
		formatFloat(item.Speed),
		string(item.Direction),
		formatFloat(item.Confidence),
		formatFloat(item.LastBox.X),
		formatFloat(item.LastBox.Y),
		formatFloat(item.LastBox.Width),
		formatFloat(item.LastBox.Height),
		formatFloat(item.TotalMovementX),
		formatFloat(item.TotalMovementY),
		formatFloat(item.NetMovementX),
		formatFloat(item.NetMovementY),
		formatFloat(item.Distance),
		formatFloat(item.Displacement),
		formatList(item.MovementHistoryX),
		formatList(item.MovementHistoryY),
		formatList(item.ConfidenceSamples),
	}
}

// ReadCSV parses a file produced by WriteCSV back into tracks.
func ReadCSV(r io.Reader) ([]models.TrackedItem, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if strings.Join(header, ",") != strings.Join(Header, ",") {
		return nil, fmt.Errorf("%w: unexpected header %q", ErrMalformedRow, header)
	}

	var items []models.TrackedItem
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return items, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		item, err := parseRow(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		items = append(items, item)
	}
}

func parseRow(record []string) (models.TrackedItem, error) {
	p := &rowParser{record: record}
	item := models.TrackedItem{
		Label:             p.str(0),
		Key:               uint32(p.uint(1, 32)),
		Start:             p.uint(2, 64),
		Finish:            p.uint(3, 64),
		IsComplete:        p.bool(4),
		Speed:             p.float(5),
		Direction:         models.Direction(p.str(6)),
		Confidence:        p.float(7),
		LastBox:           models.Box{X: p.float(8), Y: p.float(9), Width: p.float(10), Height: p.float(11)},
		TotalMovementX:    p.float(12),
		TotalMovementY:    p.float(13),
		NetMovementX:      p.float(14),
		NetMovementY:      p.float(15),
		Distance:          p.float(16),
		Displacement:      p.float(17),
		MovementHistoryX:  p.list(18),
		MovementHistoryY:  p.list(19),
		ConfidenceSamples: p.list(20),
	}
	if p.err != nil {
		return models.TrackedItem{}, p.err
	}
	return item, nil
}

// rowParser keeps the first conversion error so parseRow reads straight through.
type rowParser struct {
	record []string
	err    error
}

func (p *rowParser) fail(col int, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: column %s: %v", ErrMalformedRow, Header[col], err)
	}
}

func (p *rowParser) str(col int) string {
	return p.record[col]
}

func (p *rowParser) uint(col int, bits int) uint64 {
	v, err := strconv.ParseUint(p.record[col], 10, bits)
	if err != nil {
		p.fail(col, err)
	}
	return v
}

func (p *rowParser) bool(col int) bool {
	v, err := strconv.ParseBool(p.record[col])
	if err != nil {
		p.fail(col, err)
	}
	return v
}

func (p *rowParser) float(col int) float64 {
	v, err := strconv.ParseFloat(p.record[col], 64)
	if err != nil {
		p.fail(col, err)
	}
	return v
}

func (p *rowParser) list(col int) []float64 {
	field := p.record[col]
	if field == "" {
		return []float64{}
	}
	parts := strings.Split(field, ListDelimiter)
	out := make([]float64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			p.fail(col, err)
			return nil
		}
		out[i] = v
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatList(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = formatFloat(v)
	}
	return strings.Join(parts, ListDelimiter)
}
