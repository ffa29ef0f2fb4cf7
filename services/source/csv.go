package source

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dselans/songsync/clog"
	"github.com/dselans/songsync/services/reconcile"
)

const utf8BOM = "\ufeff"

// CSV yields one record per data row, keyed by the header row. Short rows
// are padded with empty values and surplus columns are dropped.
type CSV struct {
	file   *os.File
	reader *csv.Reader
	fields []string
	line   int
	log    clog.ICustomLog
}

func NewCSV(path string, log clog.ICustomLog) (*CSV, error) {
	if log == nil {
		return nil, errors.New("log cannot be nil")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open csv '%s'", path)
	}

	c, err := newCSV(f, log)
	if err != nil {
		f.Close()
		return nil, err
	}

	c.file = f

	return c, nil
}

func newCSV(r io.Reader, log clog.ICustomLog) (*CSV, error) {
	reader := csv.NewReader(bufio.NewReader(r))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv has no header row")
		}

		return nil, errors.Wrap(err, "unable to read csv header")
	}

	fields := make([]string, 0, len(header))

	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}

		fields = append(fields, strings.TrimSpace(h))
	}

	return &CSV{
		reader: reader,
		fields: fields,
		line:   1,
		log:    log.With(zap.String("pkg", "source"), zap.String("source", "csv")),
	}, nil
}

func (c *CSV) Fields() []string {
	return c.fields
}

func (c *CSV) Next() (reconcile.Record, error) {
	row, err := c.reader.Read()
	c.line++

	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}

		return nil, errors.Wrapf(ErrInvalidRecord, "line %d: %s", c.line, err)
	}

	if len(row) != len(c.fields) {
		c.log.Debug("Row width differs from header",
			zap.Int("line", c.line), zap.Int("columns", len(row)), zap.Int("expected", len(c.fields)))
	}

	rec := make(reconcile.Record, len(c.fields))

	for i, f := range c.fields {
		if i < len(row) {
			rec[f] = row[i]
		} else {
			rec[f] = ""
		}
	}

	return rec, nil
}

func (c *CSV) Close() error {
	if c.file == nil {
		return nil
	}

	return c.file.Close()
}
