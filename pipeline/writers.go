package pipeline

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-realty-radar/models"
)

var csvHeader = []string{
	"source", "external_id", "url", "title", "price", "price_per_area", "area", "rooms",
	"kind", "city", "district", "street", "photo_count", "scraped_at",
}

// CSVWriter exports records to CSV.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter initialises a CSV writer and writes the header row.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(csvHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVWriter{
		file:   f,
		writer: writer,
	}, nil
}

// Write appends records to the CSV output. Unknown optional fields are
// written as empty cells.
func (cw *CSVWriter) Write(_ context.Context, batch []*models.ExtractedListing) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, rec := range batch {
		rooms := ""
		if n, ok := rec.Rooms.Get(); ok {
			rooms = strconv.Itoa(n)
		}
		record := []string{
			rec.Source,
			rec.ExternalID.OrElse(""),
			rec.URL,
			rec.Title,
			strconv.FormatInt(rec.Price, 10),
			strconv.FormatFloat(rec.PricePerArea(), 'f', 2, 64),
			strconv.FormatFloat(rec.Area, 'f', -1, 64),
			rooms,
			string(rec.Kind),
			rec.City,
			rec.District.OrElse(""),
			rec.Street.OrElse(""),
			strconv.Itoa(rec.PhotoCount),
			rec.ScrapedAt.Format(time.RFC3339),
		}
		if err := cw.writer.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// JSONWriter exports newline-delimited JSON records.
type JSONWriter struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONWriter initialises the JSON writer.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &JSONWriter{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends records in JSONL format.
func (jw *JSONWriter) Write(_ context.Context, batch []*models.ExtractedListing) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, rec := range batch {
		if err := jw.encoder.Encode(rec); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}

	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// NewExporter opens a file sink for format csv, json or dual. For dual the
// extension of path is replaced with .csv and .jsonl.
func NewExporter(format, path string) (Sink, error) {
	var (
		sink Sink
		err  error
	)
	switch format {
	case "csv":
		sink, err = NewCSVWriter(path)
	case "json":
		sink, err = NewJSONWriter(path)
	case "dual":
		base := strings.TrimSuffix(path, filepath.Ext(path))
		sink, err = NewDualWriter(base+".csv", base+".jsonl")
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return sink, nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
