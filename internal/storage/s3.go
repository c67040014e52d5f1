package storage

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Storage stores artifacts in an S3-compatible bucket.
// URI form: s3://[key:secret@]endpoint/bucket[/prefix][?ssl=false&region=r]
type S3Storage struct {
	client   *minio.Client
	endpoint string
	bucket   string
	prefix   string
}

func NewS3Storage(u *url.URL) (*S3Storage, error) {
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if u.Host == "" || parts[0] == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "s3 URI needs an endpoint and a bucket",
			"Use s3://key:secret@endpoint/bucket/prefix.")
	}

	var creds *credentials.Credentials
	if u.User != nil {
		secret, _ := u.User.Password()
		creds = credentials.NewStaticV4(u.User.Username(), secret, "")
	} else {
		creds = credentials.NewEnvAWS()
	}

	q := u.Query()
	client, err := minio.New(u.Host, &minio.Options{
		Creds:  creds,
		Secure: q.Get("ssl") != "false",
		Region: q.Get("region"),
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, "failed to create S3 client", "")
	}

	s := &S3Storage{client: client, endpoint: u.Host, bucket: parts[0]}
	if len(parts) == 2 {
		s.prefix = strings.Trim(parts[1], "/")
	}
	return s, nil
}

func (s *S3Storage) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *S3Storage) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeConnection, "failed to upload "+name, "Check the bucket exists and the credentials can write to it.")
	}
	return "s3://" + s.endpoint + "/" + s.bucket + "/" + s.key(name), nil
}

func (s *S3Storage) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConnection, "failed to download "+name, "")
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to download "+name, "")
	}
	return obj, nil
}

func (s *S3Storage) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(name), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, apperrors.Wrap(err, apperrors.TypeConnection, "failed to stat "+name, "")
}

func (s *S3Storage) Delete(ctx context.Context, name string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{}); err != nil {
		return apperrors.Wrap(err, apperrors.TypeConnection, "failed to delete "+name, "")
	}
	return nil
}

func (s *S3Storage) List(ctx context.Context, prefix string) ([]Object, error) {
	listPrefix := s.prefix
	if listPrefix != "" {
		listPrefix += "/"
	}
	var objects []Object
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: listPrefix + prefix}) {
		if info.Err != nil {
			return nil, apperrors.Wrap(info.Err, apperrors.TypeConnection, "failed to list "+s.Location(), "")
		}
		name := strings.TrimPrefix(info.Key, listPrefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		objects = append(objects, Object{Name: name, Size: info.Size, ModTime: info.LastModified})
	}
	return objects, nil
}

func (s *S3Storage) Location() string {
	loc := "s3://" + s.endpoint + "/" + s.bucket
	if s.prefix != "" {
		loc += "/" + s.prefix
	}
	return loc
}

func (s *S3Storage) Close() error { return nil }
