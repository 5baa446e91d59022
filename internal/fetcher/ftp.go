package fetcher

import (
	"context"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mf-intel/internal/resilience"
)

// FTPOptions configures the FTP fetcher.
type FTPOptions struct {
	Timeout time.Duration
}

// FTPFetcher retrieves files over FTP. Vendor drops commonly land on an
// FTP server; credentials ride in the URL userinfo.
type FTPFetcher struct {
	opts FTPOptions
}

// NewFTPFetcher creates an FTPFetcher.
func NewFTPFetcher(opts FTPOptions) *FTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &FTPFetcher{opts: opts}
}

type ftpTarget struct {
	host, path, user, pass string
}

func parseFTPURL(rawURL string) (ftpTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ftpTarget{}, eris.Wrap(err, "ftp: parse url")
	}
	if u.Scheme != "ftp" {
		return ftpTarget{}, eris.Errorf("ftp: expected ftp scheme, got %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		return ftpTarget{}, eris.New("ftp: empty path")
	}

	t := ftpTarget{host: u.Host, path: u.Path, user: "anonymous", pass: "anonymous@"}
	if _, _, err := net.SplitHostPort(t.host); err != nil {
		t.host = net.JoinHostPort(t.host, "21")
	}
	if u.User != nil {
		t.user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			t.pass = p
		}
	}
	return t, nil
}

// ftpBody closes the transfer and the control connection together.
type ftpBody struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (b *ftpBody) Read(p []byte) (int, error) { return b.resp.Read(p) }

func (b *ftpBody) Close() error {
	respErr := b.resp.Close()
	quitErr := b.conn.Quit()
	if respErr != nil {
		return eris.Wrap(respErr, "ftp: close transfer")
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "ftp: quit")
	}
	return nil
}

// Download retrieves the file at ftpURL. Connection failures are transient.
func (f *FTPFetcher) Download(ctx context.Context, ftpURL string) (io.ReadCloser, error) {
	t, err := parseFTPURL(ftpURL)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("ftp: connecting", zap.String("host", t.host), zap.String("path", t.path))

	conn, err := ftp.Dial(t.host, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "ftp: dial"), 0)
	}
	if err := conn.Login(t.user, t.pass); err != nil {
		_ = conn.Quit()
		return nil, eris.Wrap(err, "ftp: login")
	}

	resp, err := conn.Retr(t.path)
	if err != nil {
		_ = conn.Quit()
		return nil, eris.Wrapf(err, "ftp: retrieve %s", t.path)
	}
	return &ftpBody{resp: resp, conn: conn}, nil
}
