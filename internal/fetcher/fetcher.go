// Package fetcher retrieves source payloads over HTTP, FTP, or the local
// filesystem and streams them as CSV, JSON, or XLSX rows.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// Fetcher downloads a remote resource.
type Fetcher interface {
	// Download returns the body at url. The caller closes it.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Mux routes a location to the HTTP fetcher, the FTP fetcher, or the local
// filesystem depending on its scheme.
type Mux struct {
	HTTP Fetcher
	FTP  Fetcher
}

// NewMux returns a Mux with default HTTP and FTP fetchers.
func NewMux() *Mux {
	return &Mux{HTTP: NewHTTPFetcher(HTTPOptions{}), FTP: NewFTPFetcher(FTPOptions{})}
}

// Download opens location. Plain paths and file:// URLs read from disk.
func (m *Mux) Download(ctx context.Context, location string) (io.ReadCloser, error) {
	switch scheme(location) {
	case "http", "https":
		if m.HTTP == nil {
			return nil, eris.Errorf("fetcher: no http fetcher for %s", location)
		}
		return m.HTTP.Download(ctx, location)
	case "ftp":
		if m.FTP == nil {
			return nil, eris.Errorf("fetcher: no ftp fetcher for %s", location)
		}
		return m.FTP.Download(ctx, location)
	case "file":
		return openLocal(strings.TrimPrefix(location, "file://"))
	case "":
		return openLocal(location)
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme in %q", location)
	}
}

func scheme(location string) string {
	u, err := url.Parse(location)
	if err != nil || len(u.Scheme) < 2 {
		// Windows drive letters parse as one-letter schemes.
		return ""
	}
	return strings.ToLower(u.Scheme)
}

func openLocal(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", path)
	}
	return f, nil
}
