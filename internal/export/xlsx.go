package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

const xlsxSheet = "Sheet1"

// xlsxWriter streams rows through excelize's stream writer so workbook
// memory stays bounded no matter how many rows an export produces.
type xlsxWriter struct {
	f      *excelize.File
	sw     *excelize.StreamWriter
	out    io.Writer
	row    int
	closed bool
}

func newXLSXWriter(out io.Writer) (*xlsxWriter, error) {
	f := excelize.NewFile()
	sw, err := f.NewStreamWriter(xlsxSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("new stream writer: %w", err)
	}
	return &xlsxWriter{f: f, sw: sw, out: out, row: 1}, nil
}

func (xw *xlsxWriter) Begin(columns []string) error {
	// Column widths must be set before any row lands.
	if err := xw.sw.SetColWidth(1, len(columns), 20); err != nil {
		return fmt.Errorf("set col width: %w", err)
	}

	style, err := xw.f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("new header style: %w", err)
	}
	header := make([]any, len(columns))
	for i, col := range columns {
		header[i] = excelize.Cell{StyleID: style, Value: col}
	}
	cell, _ := excelize.CoordinatesToCellName(1, xw.row)
	if err := xw.sw.SetRow(cell, header); err != nil {
		return fmt.Errorf("write header row: %w", err)
	}
	xw.row++
	return nil
}

func (xw *xlsxWriter) WriteRows(rows []Row) error {
	for _, row := range rows {
		cells := make([]any, len(row))
		for i, v := range row {
			cells[i] = xlsxValue(v)
		}
		cell, _ := excelize.CoordinatesToCellName(1, xw.row)
		if err := xw.sw.SetRow(cell, cells); err != nil {
			return fmt.Errorf("write row %d: %w", xw.row, err)
		}
		xw.row++
	}
	return nil
}

func (xw *xlsxWriter) Close() error {
	xw.closed = true
	defer xw.f.Close()
	if err := xw.sw.Flush(); err != nil {
		return fmt.Errorf("flush stream writer: %w", err)
	}
	if _, err := xw.f.WriteTo(xw.out); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// Discard closes the workbook without emitting it. The stream writer's
// spill files live until the excelize file is closed, so an aborted run
// must not skip this.
func (xw *xlsxWriter) Discard() {
	if xw.closed {
		return
	}
	xw.closed = true
	xw.f.Close()
}

// xlsxValue keeps timestamps readable without tripping Excel's date
// coercion; everything else excelize renders natively.
func xlsxValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case *time.Time:
		if x == nil {
			return ""
		}
		return x.UTC().Format(time.RFC3339)
	default:
		return v
	}
}
