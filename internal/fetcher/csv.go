package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures StreamCSV.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // 0 = none
	LazyQuotes bool
	TrimSpace  bool
}

// StreamCSV sends every row of r, header included, to the row channel.
// Both channels close when reading ends; at most one error is sent.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		reader.Comment = opts.Comment
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1

		for {
			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}
			if opts.TrimSpace {
				for i := range record {
					record[i] = strings.TrimSpace(record[i])
				}
			}

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}
