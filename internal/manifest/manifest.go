// Package manifest reads and writes the JSON sidecar stored next to every
// backup artifact.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
)

// Ext is appended to the artifact name to form the sidecar name.
const Ext = ".manifest"

type Manifest struct {
	ID          string        `json:"id"`
	Engine      string        `json:"engine"`
	DBName      string        `json:"dbname"`
	FileName    string        `json:"file_name"`
	Strategy    string        `json:"strategy"`
	Compression string        `json:"compression,omitempty"`
	Encryption  string        `json:"encryption,omitempty"`
	Checksum    string        `json:"checksum"` // SHA-256 of the artifact as stored
	Size        int64         `json:"size"`
	SourceSize  int64         `json:"source_size,omitempty"`
	Units       int           `json:"units,omitempty"` // tables in the dump
	CreatedAt   time.Time     `json:"created_at"`
	Duration    time.Duration `json:"duration,omitempty"`
	Version     string        `json:"version"`
}

func New(id, engine, compression, encryption string) *Manifest {
	return &Manifest{
		ID:          id,
		Engine:      engine,
		Compression: compression,
		Encryption:  encryption,
		CreatedAt:   time.Now(),
	}
}

func (m *Manifest) Serialize() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func Deserialize(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeIntegrity, "invalid manifest", "")
	}
	return &m, nil
}

// PathFor returns the sidecar path of an artifact.
func PathFor(artifact string) string {
	return artifact + Ext
}

// Write stores m next to artifact, replacing any previous sidecar atomically.
func Write(artifact string, m *Manifest) error {
	data, err := m.Serialize()
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeInternal, "failed to encode manifest", "")
	}
	path := PathFor(artifact)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to write manifest", "")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to write manifest", "")
	}
	return nil
}

// Read loads the sidecar of artifact. A missing sidecar returns (nil, nil).
func Read(artifact string) (*Manifest, error) {
	data, err := os.ReadFile(PathFor(artifact))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to read manifest", "")
	}
	return Deserialize(data)
}

func CalculateChecksum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to open "+path, "")
	}
	defer f.Close()
	sum, err := CalculateChecksum(f)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to read "+path, "")
	}
	return sum, nil
}

// Verify recomputes the artifact checksum and compares it with m.
func (m *Manifest) Verify(artifact string) error {
	if m.Checksum == "" {
		return nil
	}
	sum, err := ChecksumFile(artifact)
	if err != nil {
		return err
	}
	if sum != m.Checksum {
		return apperrors.Wrap(apperrors.ErrIntegrityMismatch, apperrors.TypeIntegrity,
			fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", artifact, m.Checksum, sum), "")
	}
	return nil
}
