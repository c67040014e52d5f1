// Package crypto encrypts finished backup artifacts as a chunked AES-256-GCM
// stream.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"os"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize    = 32 // AES-256
	SaltSize   = 32
	NonceSize  = 12
	ChunkSize  = 64 * 1024
	MagicBytes = "DBCY"
	Version    = 2

	// Iterations is the PBKDF2-SHA256 work factor for passphrase keys.
	Iterations = 210_000

	headerSize      = len(MagicBytes) + 1 + SaltSize
	chunkHeaderSize = NonceSize + 1 + 4
	flagFinal       = 1
)

// KeyManager holds either a passphrase, from which a key is derived per
// artifact salt, or a raw key read from a file.
type KeyManager struct {
	passphrase string
	raw        []byte
}

func NewKeyManager(passphrase, keyFile string) (*KeyManager, error) {
	if passphrase == "" && keyFile == "" {
		return nil, apperrors.New(apperrors.TypeSecurity, "encryption requires a passphrase or key file",
			"Set --passphrase, DBCYCLE_BACKUP_PASSPHRASE, or --key-file.")
	}
	if keyFile == "" {
		return &KeyManager{passphrase: passphrase}, nil
	}

	key, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeSecurity, "failed to read key file", "Check the path and permissions of the key file.")
	}
	if len(key) != KeySize {
		h := sha256.Sum256(key)
		key = h[:]
	}
	return &KeyManager{raw: key}, nil
}

func (km *KeyManager) key(salt []byte) []byte {
	if km.raw != nil {
		return km.raw
	}
	return pbkdf2.Key([]byte(km.passphrase), salt, Iterations, KeySize, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeSecurity, "failed to initialise cipher", "")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeSecurity, "failed to initialise cipher", "")
	}
	return gcm, nil
}

// chunkAAD binds each chunk to its position and finality so chunks cannot be
// reordered, dropped or truncated unnoticed.
func chunkAAD(index uint64, flags byte) []byte {
	aad := make([]byte, 9)
	binary.BigEndian.PutUint64(aad, index)
	aad[8] = flags
	return aad
}

// EncryptWriter encrypts everything written to it. Close must be called to
// write the final chunk; it does not close the underlying writer.
type EncryptWriter struct {
	w     io.Writer
	gcm   cipher.AEAD
	buf   []byte
	index uint64
	err   error
}

func NewEncryptWriter(w io.Writer, km *KeyManager) (*EncryptWriter, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeSecurity, "failed to generate salt", "")
	}
	gcm, err := newGCM(km.key(salt))
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, headerSize)
	header = append(header, MagicBytes...)
	header = append(header, Version)
	header = append(header, salt...)
	if _, err := w.Write(header); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to write encryption header", "")
	}

	return &EncryptWriter{
		w:   w,
		gcm: gcm,
		buf: make([]byte, 0, ChunkSize),
	}, nil
}

func (ew *EncryptWriter) Write(p []byte) (int, error) {
	if ew.err != nil {
		return 0, ew.err
	}
	n := len(p)
	for len(p) > 0 {
		space := ChunkSize - len(ew.buf)
		if space > len(p) {
			ew.buf = append(ew.buf, p...)
			break
		}
		ew.buf = append(ew.buf, p[:space]...)
		p = p[space:]
		if err := ew.flush(0); err != nil {
			ew.err = err
			return 0, err
		}
	}
	return n, nil
}

func (ew *EncryptWriter) flush(flags byte) error {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ciphertext := ew.gcm.Seal(nil, nonce, ew.buf, chunkAAD(ew.index, flags))

	head := make([]byte, chunkHeaderSize)
	copy(head, nonce)
	head[NonceSize] = flags
	binary.BigEndian.PutUint32(head[NonceSize+1:], uint32(len(ciphertext)))

	if _, err := ew.w.Write(head); err != nil {
		return err
	}
	if _, err := ew.w.Write(ciphertext); err != nil {
		return err
	}
	ew.buf = ew.buf[:0]
	ew.index++
	return nil
}

func (ew *EncryptWriter) Close() error {
	if ew.err != nil {
		return ew.err
	}
	if err := ew.flush(flagFinal); err != nil {
		ew.err = err
		return err
	}
	ew.err = errors.New("encrypt writer closed")
	return nil
}

// DecryptReader authenticates and decrypts a stream produced by EncryptWriter.
type DecryptReader struct {
	r      io.Reader
	km     *KeyManager
	gcm    cipher.AEAD
	buf    []byte
	pos    int
	index  uint64
	header bool
	final  bool
	err    error
}

func NewDecryptReader(r io.Reader, km *KeyManager) *DecryptReader {
	return &DecryptReader{r: r, km: km}
}

func (dr *DecryptReader) Read(p []byte) (int, error) {
	if dr.err != nil {
		return 0, dr.err
	}
	if !dr.header {
		if err := dr.readHeader(); err != nil {
			dr.err = err
			return 0, err
		}
		dr.header = true
	}
	for dr.pos >= len(dr.buf) {
		if dr.final {
			dr.err = io.EOF
			return 0, io.EOF
		}
		if err := dr.nextChunk(); err != nil {
			dr.err = err
			return 0, err
		}
	}
	n := copy(p, dr.buf[dr.pos:])
	dr.pos += n
	return n, nil
}

func (dr *DecryptReader) readHeader() error {
	head := make([]byte, headerSize)
	if _, err := io.ReadFull(dr.r, head); err != nil {
		return apperrors.Wrap(err, apperrors.TypeIntegrity, "failed to read encryption header", "The artifact is too short to be encrypted.")
	}
	if string(head[:len(MagicBytes)]) != MagicBytes {
		return apperrors.New(apperrors.TypeIntegrity, "not an encrypted artifact: missing magic bytes", "")
	}
	if v := head[len(MagicBytes)]; v != Version {
		return apperrors.New(apperrors.TypeIntegrity, "unsupported encryption format version", "")
	}
	gcm, err := newGCM(dr.km.key(head[len(MagicBytes)+1:]))
	if err != nil {
		return err
	}
	dr.gcm = gcm
	return nil
}

func (dr *DecryptReader) nextChunk() error {
	head := make([]byte, chunkHeaderSize)
	if _, err := io.ReadFull(dr.r, head); err != nil {
		return apperrors.Wrap(err, apperrors.TypeIntegrity, "encrypted artifact is truncated", "")
	}
	nonce := head[:NonceSize]
	flags := head[NonceSize]
	length := binary.BigEndian.Uint32(head[NonceSize+1:])
	if length > ChunkSize+uint32(dr.gcm.Overhead()) {
		return apperrors.New(apperrors.TypeIntegrity, "corrupt encrypted chunk", "")
	}

	ciphertext := make([]byte, length)
	if _, err := io.ReadFull(dr.r, ciphertext); err != nil {
		return apperrors.Wrap(err, apperrors.TypeIntegrity, "encrypted artifact is truncated", "")
	}
	plaintext, err := dr.gcm.Open(nil, nonce, ciphertext, chunkAAD(dr.index, flags))
	if err != nil {
		return apperrors.New(apperrors.TypeIntegrity, "decryption failed: wrong passphrase or tampered data",
			"Check the passphrase or key file used for this backup.")
	}

	dr.buf = plaintext
	dr.pos = 0
	dr.index++
	dr.final = flags&flagFinal != 0
	return nil
}
