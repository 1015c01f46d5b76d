package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/stayware/lodgemap/internal/model"
)

// Writer serializes rows into one output format. Begin is called once with
// the header, then WriteRows any number of times, then Close. A run that
// aborts before a successful Close calls Discard instead, which releases
// writer resources without emitting output.
type Writer interface {
	Begin(columns []string) error
	WriteRows(rows []Row) error
	Close() error
	Discard()
}

// NewWriter returns the format writer for the given format, emitting to w.
func NewWriter(format model.ExportFormat, w io.Writer) (Writer, error) {
	switch format {
	case model.FormatCSV:
		return &csvWriter{w: csv.NewWriter(w)}, nil
	case model.FormatJSON:
		return &jsonWriter{w: w}, nil
	case model.FormatXLSX:
		return newXLSXWriter(w)
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

type csvWriter struct {
	w *csv.Writer
}

func (cw *csvWriter) Begin(columns []string) error {
	if err := cw.w.Write(columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	return nil
}

func (cw *csvWriter) WriteRows(rows []Row) error {
	record := []string{}
	for _, row := range rows {
		record = record[:0]
		for _, v := range row {
			record = append(record, csvField(v))
		}
		if err := cw.w.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	return nil
}

func (cw *csvWriter) Close() error {
	cw.w.Flush()
	if err := cw.w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func (cw *csvWriter) Discard() {}

// csvField renders a cell without losing precision: integers stay full
// width and floats round-trip through the shortest exact representation.
func csvField(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case *time.Time:
		if x == nil {
			return ""
		}
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

// jsonWriter streams a JSON array of objects, one object per row, keyed by
// column name in column order.
type jsonWriter struct {
	w       io.Writer
	columns []string
	started bool
	wrote   bool
}

func (jw *jsonWriter) Begin(columns []string) error {
	jw.columns = columns
	if _, err := io.WriteString(jw.w, "[\n"); err != nil {
		return fmt.Errorf("write json open: %w", err)
	}
	jw.started = true
	return nil
}

func (jw *jsonWriter) WriteRows(rows []Row) error {
	for _, row := range rows {
		if len(row) != len(jw.columns) {
			return fmt.Errorf("row has %d values, want %d", len(row), len(jw.columns))
		}
		var buf []byte
		if jw.wrote {
			buf = append(buf, ',', '\n')
		}
		buf = append(buf, ' ', ' ', '{')
		for i, col := range jw.columns {
			if i > 0 {
				buf = append(buf, ',')
			}
			key, err := json.Marshal(col)
			if err != nil {
				return fmt.Errorf("marshal json key: %w", err)
			}
			val, err := json.Marshal(jsonValue(row[i]))
			if err != nil {
				return fmt.Errorf("marshal json value for %s: %w", col, err)
			}
			buf = append(buf, key...)
			buf = append(buf, ':')
			buf = append(buf, val...)
		}
		buf = append(buf, '}')
		if _, err := jw.w.Write(buf); err != nil {
			return fmt.Errorf("write json row: %w", err)
		}
		jw.wrote = true
	}
	return nil
}

func (jw *jsonWriter) Close() error {
	if !jw.started {
		return nil
	}
	if _, err := io.WriteString(jw.w, "\n]\n"); err != nil {
		return fmt.Errorf("write json close: %w", err)
	}
	return nil
}

func (jw *jsonWriter) Discard() {}

// jsonValue maps a cell to its native JSON type. Timestamps become
// RFC 3339 strings; integers stay integers.
func jsonValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC().Format(time.RFC3339)
	default:
		return v
	}
}
