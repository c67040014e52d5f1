package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPStorage stores artifacts on a remote host over SFTP. The connection is
// opened on first use.
type SFTPStorage struct {
	remotePath string
	host       string
	user       *url.Userinfo
	opts       StorageOptions

	mu         sync.Mutex
	client     *ssh.Client
	sftpClient *sftp.Client
}

func NewSFTPStorage(u *url.URL, opts StorageOptions) (*SFTPStorage, error) {
	if u.Host == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "sftp URI is missing a host", "Use sftp://user@host/path.")
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "22")
	}
	user := u.User
	if user == nil {
		user = url.User(os.Getenv("USER"))
	}
	return &SFTPStorage{
		remotePath: strings.TrimPrefix(u.Path, "/./"),
		host:       host,
		user:       user,
		opts:       opts,
	}, nil
}

func (s *SFTPStorage) hostKeyCallback() (ssh.HostKeyCallback, error) {
	file := s.opts.KnownHosts
	if file == "" {
		if home, err := os.UserHomeDir(); err == nil {
			file = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	if file != "" {
		if _, err := os.Stat(file); err == nil {
			cb, err := knownhosts.New(file)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.TypeSecurity, "failed to read "+file, "")
			}
			return cb, nil
		}
	}
	if s.opts.AllowInsecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return nil, apperrors.New(apperrors.TypeSecurity, "no known_hosts file to verify "+s.host,
		"Add the host to ~/.ssh/known_hosts or pass --allow-insecure.")
}

func (s *SFTPStorage) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if pass, ok := s.user.Password(); ok && pass != "" {
		return append(methods, ssh.Password(pass))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			ag := agent.NewClient(conn)
			if signers, err := ag.Signers(); err == nil && len(signers) > 0 {
				methods = append(methods, ssh.PublicKeysCallback(ag.Signers))
			}
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		for _, k := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			key, err := os.ReadFile(filepath.Join(home, ".ssh", k))
			if err != nil {
				continue
			}
			if signer, err := ssh.ParsePrivateKey(key); err == nil {
				methods = append(methods, ssh.PublicKeys(signer))
			}
		}
	}
	return methods
}

func (s *SFTPStorage) connect() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftpClient != nil {
		return s.sftpClient, nil
	}

	auth := s.authMethods()
	if len(auth) == 0 {
		return nil, apperrors.New(apperrors.TypeAuth, "no supported SSH authentication methods found",
			"Ensure you have an SSH agent running or provide valid private keys/passwords.")
	}
	hostKey, err := s.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	client, err := ssh.Dial("tcp", s.host, &ssh.ClientConfig{
		User:            s.user.Username(),
		Auth:            auth,
		HostKeyCallback: hostKey,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConnection, "failed to connect via SSH", "Check host reachability, SSH port, and credentials.")
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, apperrors.Wrap(err, apperrors.TypeInternal, "failed to create SFTP client", "Verify the SFTP subsystem is enabled on the remote host.")
	}
	s.client = client
	s.sftpClient = sc
	return sc, nil
}

func (s *SFTPStorage) path(name string) string {
	return path.Join(s.remotePath, name)
}

func (s *SFTPStorage) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	sc, err := s.connect()
	if err != nil {
		return "", err
	}
	target := s.path(name)
	if err := sc.MkdirAll(path.Dir(target)); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to create remote directory "+path.Dir(target), "")
	}

	tmp := target + ".tmp"
	f, err := sc.Create(tmp)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to create remote file "+tmp, "")
	}
	if _, err := f.ReadFrom(r); err != nil {
		f.Close()
		_ = sc.Remove(tmp)
		return "", apperrors.Wrap(err, apperrors.TypeConnection, "failed to upload "+name, "")
	}
	if err := f.Close(); err != nil {
		_ = sc.Remove(tmp)
		return "", apperrors.Wrap(err, apperrors.TypeConnection, "failed to upload "+name, "")
	}
	if err := sc.PosixRename(tmp, target); err != nil {
		// Servers without the posix-rename extension refuse to replace files.
		_ = sc.Remove(target)
		if err := sc.Rename(tmp, target); err != nil {
			_ = sc.Remove(tmp)
			return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to finalize "+target, "")
		}
	}
	return "sftp://" + s.host + target, nil
}

func (s *SFTPStorage) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	sc, err := s.connect()
	if err != nil {
		return nil, err
	}
	f, err := sc.Open(s.path(name))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to open "+name, "")
	}
	return f, nil
}

func (s *SFTPStorage) Exists(ctx context.Context, name string) (bool, error) {
	sc, err := s.connect()
	if err != nil {
		return false, err
	}
	_, err = sc.Stat(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *SFTPStorage) Delete(ctx context.Context, name string) error {
	sc, err := s.connect()
	if err != nil {
		return err
	}
	if err := sc.Remove(s.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to delete "+name, "")
	}
	return nil
}

func (s *SFTPStorage) List(ctx context.Context, prefix string) ([]Object, error) {
	sc, err := s.connect()
	if err != nil {
		return nil, err
	}
	entries, err := sc.ReadDir(s.remotePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to list "+s.Location(), "")
	}
	var objects []Object
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		objects = append(objects, Object{Name: e.Name(), Size: e.Size(), ModTime: e.ModTime()})
	}
	return objects, nil
}

func (s *SFTPStorage) Location() string {
	return "sftp://" + s.host + s.remotePath
}

func (s *SFTPStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftpClient != nil {
		s.sftpClient.Close()
		s.sftpClient = nil
	}
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}
