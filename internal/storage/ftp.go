package storage

import (
	"context"
	"io"
	"net"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
)

const ftpTimeout = 10 * time.Second

// FTPStorage is plain FTP. Credentials travel unencrypted, so it must be
// explicitly allowed.
type FTPStorage struct {
	remotePath string
	host       string
	user       string
	pass       string

	mu     sync.Mutex
	client *ftp.ServerConn
}

func NewFTPStorage(u *url.URL, opts StorageOptions) (*FTPStorage, error) {
	if !opts.AllowInsecure {
		return nil, apperrors.New(apperrors.TypeSecurity, "insecure protocol FTP requires explicit opt-in",
			"Pass --allow-insecure to use ftp://.")
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "21")
	}
	s := &FTPStorage{remotePath: u.Path, host: host}
	if u.User != nil {
		s.user = u.User.Username()
		s.pass, _ = u.User.Password()
	}
	if s.user == "" {
		s.user = "anonymous"
	}
	return s, nil
}

func (s *FTPStorage) conn(ctx context.Context) (*ftp.ServerConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	c, err := ftp.Dial(s.host, ftp.DialWithTimeout(ftpTimeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConnection, "failed to connect to "+s.host, "")
	}
	if err := c.Login(s.user, s.pass); err != nil {
		_ = c.Quit()
		return nil, apperrors.Wrap(err, apperrors.TypeAuth, "FTP login failed", "Check the FTP username and password.")
	}
	s.client = c
	return c, nil
}

func (s *FTPStorage) path(name string) string {
	return path.Join(s.remotePath, name)
}

func (s *FTPStorage) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return "", err
	}
	target := s.path(name)
	s.ensureDir(c, path.Dir(target))
	if err := c.Stor(target, r); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeConnection, "failed to upload "+name, "")
	}
	return "ftp://" + s.host + target, nil
}

func (s *FTPStorage) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	r, err := c.Retr(s.path(name))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to download "+name, "")
	}
	return r, nil
}

func (s *FTPStorage) Exists(ctx context.Context, name string) (bool, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	_, err = c.FileSize(s.path(name))
	return err == nil, nil
}

func (s *FTPStorage) Delete(ctx context.Context, name string) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := c.Delete(s.path(name)); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to delete "+name, "")
	}
	return nil
}

func (s *FTPStorage) List(ctx context.Context, prefix string) ([]Object, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	dir := s.remotePath
	if dir == "" {
		dir = "."
	}
	entries, err := c.List(dir)
	if err != nil {
		return nil, nil
	}
	var objects []Object
	for _, e := range entries {
		if e.Type != ftp.EntryTypeFile || !strings.HasPrefix(e.Name, prefix) {
			continue
		}
		objects = append(objects, Object{Name: e.Name, Size: int64(e.Size), ModTime: e.Time})
	}
	return objects, nil
}

// ensureDir creates each path component, ignoring "already exists" errors.
func (s *FTPStorage) ensureDir(c *ftp.ServerConn, dir string) {
	if dir == "." || dir == "/" || dir == "" {
		return
	}
	current := ""
	if strings.HasPrefix(dir, "/") {
		current = "/"
	}
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		current = path.Join(current, part)
		_ = c.MakeDir(current)
	}
}

func (s *FTPStorage) Location() string {
	return "ftp://" + s.host + s.remotePath
}

func (s *FTPStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Quit()
	s.client = nil
	return err
}
