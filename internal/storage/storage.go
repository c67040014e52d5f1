// Package storage moves backup artifacts to and from where they are kept:
// a local directory, an S3-compatible bucket, an SFTP server or FTP.
package storage

import (
	"context"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
)

type Object struct {
	Name    string
	Size    int64
	ModTime time.Time
}

type Storage interface {
	// Save writes r to name and returns the stored location.
	Save(ctx context.Context, name string, r io.Reader) (string, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Exists(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) error
	// List returns the objects directly under the storage root whose names
	// start with prefix.
	List(ctx context.Context, prefix string) ([]Object, error)
	Location() string
	Close() error
}

type StorageOptions struct {
	// AllowInsecure permits plain FTP and unverified SSH host keys.
	AllowInsecure bool
	// KnownHosts overrides ~/.ssh/known_hosts for SFTP.
	KnownHosts string
}

var scpLike = regexp.MustCompile(`^([^@/:]+@)?([^@/:]+):(.*)$`)

// FromURI picks a backend for uri. Plain paths and local:// are local
// directories; user@host:path is shorthand for sftp.
func FromURI(uri string, opts StorageOptions) (Storage, error) {
	if uri == "" || !strings.Contains(uri, "://") {
		if m := scpLike.FindStringSubmatch(uri); m != nil && m[1] != "" {
			uri = "sftp://" + m[1] + m[2] + "/" + strings.TrimPrefix(m[3], "/")
		} else {
			return NewLocalStorage(uri), nil
		}
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, "invalid storage URI "+Scrub(uri), "")
	}

	switch u.Scheme {
	case "local", "file":
		return NewLocalStorage(u.Host + u.Path), nil
	case "s3":
		return NewS3Storage(u)
	case "sftp", "ssh":
		return NewSFTPStorage(u, opts)
	case "ftp":
		return NewFTPStorage(u, opts)
	}
	return nil, apperrors.New(apperrors.TypeConfig, "unsupported storage scheme: "+u.Scheme, "Use a local path, s3://, sftp:// or ftp://.")
}

// IsRemote reports whether uri names a non-local backend.
func IsRemote(uri string) bool {
	for _, scheme := range []string{"s3://", "sftp://", "ssh://", "ftp://"} {
		if strings.HasPrefix(uri, scheme) {
			return true
		}
	}
	m := scpLike.FindStringSubmatch(uri)
	return m != nil && m[1] != ""
}

// Split separates an artifact URI into its containing location and object name.
func Split(uri string) (location, name string) {
	i := strings.LastIndex(uri, "/")
	if i < 0 {
		return "", uri
	}
	return uri[:i], uri[i+1:]
}

var userinfo = regexp.MustCompile(`://([^:/@]+):([^@]+)@`)

// Scrub hides the password in a URI so it can be logged.
func Scrub(uri string) string {
	return userinfo.ReplaceAllString(uri, "://$1:********@")
}
