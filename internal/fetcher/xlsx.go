package fetcher

import (
	"context"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions selects the worksheet to read.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // overrides SheetIndex when set
}

// StreamXLSX sends the rows of the selected sheet to a channel.
// Both channels close when processing completes.
func StreamXLSX(ctx context.Context, path string, opts XLSXOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		sheet, err := openSheet(path, opts)
		if err != nil {
			errCh <- err
			return
		}
		for _, row := range sheet.Rows {
			select {
			case rowCh <- rowToStrings(row):
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "xlsx: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// StreamXLSXReader spools r to a temp file, since the workbook format needs
// random access, then streams it like StreamXLSX.
func StreamXLSXReader(ctx context.Context, r io.Reader, opts XLSXOptions) (<-chan []string, <-chan error) {
	tmp, err := os.CreateTemp("", "mf-intel-*.xlsx")
	if err != nil {
		return failedStream(eris.Wrap(err, "xlsx: create temp file"))
	}
	path := tmp.Name()
	_, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		return failedStream(eris.Wrap(firstErr(copyErr, closeErr), "xlsx: spool"))
	}

	rows, errs := StreamXLSX(ctx, path, opts)
	errOut := make(chan error, 1)
	go func() {
		defer close(errOut)
		defer os.Remove(path) //nolint:errcheck
		for err := range errs {
			errOut <- err
		}
	}()
	return rows, errOut
}

func openSheet(path string, opts XLSXOptions) (*xlsx.Sheet, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}
	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func failedStream(err error) (<-chan []string, <-chan error) {
	rows := make(chan []string)
	errs := make(chan error, 1)
	errs <- err
	close(rows)
	close(errs)
	return rows, errs
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
