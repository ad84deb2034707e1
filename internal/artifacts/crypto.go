package artifacts

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// CryptoConfig enables envelope encryption of stored objects.
type CryptoConfig struct {
	Enabled bool
	RootKey keymgmt.RootKey
	Snappy  bool
}

// Crypto seals objects with a per-object DEK. The DEK descriptor travels in
// a small header in front of the ciphertext so backends need no metadata
// support.
type Crypto struct {
	kg kryptograf.Kryptograf
}

var (
	cryptoBufferPool           sync.Pool
	cryptoSourceReadBufferPool = sync.Pool{
		New: func() any {
			return bufio.NewReaderSize(bytes.NewReader(nil), 8*1024)
		},
	}
)

// headerMagic prefixes every sealed object.
var headerMagic = [4]byte{'M', 'W', 'A', '1'}

// ErrNotSealed is returned when opening an object written without
// encryption.
var ErrNotSealed = errors.New("artifacts: object is not encrypted")

// NewCrypto returns nil when encryption is disabled.
func NewCrypto(cfg CryptoConfig) (*Crypto, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.RootKey == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("artifacts crypto: root key required when encryption enabled")
	}
	kg := kryptograf.New(cfg.RootKey).WithChunkSize(8*1024).WithOptions(
		kryptograf.WithBufferPool(&cryptoBufferPool),
		kryptograf.WithSourceReadBufferPool(&cryptoSourceReadBufferPool),
	)
	if cfg.Snappy {
		kg = kg.WithSnappy()
	}
	return &Crypto{kg: kg}, nil
}

// Enabled reports whether encryption is active.
func (c *Crypto) Enabled() bool { return c != nil }

func objectContext(key string) []byte {
	return []byte("artifact:" + key)
}

// Seal returns a writer encrypting into dst for key. Closing it flushes the
// final chunk but does not close dst.
func (c *Crypto) Seal(dst io.Writer, key string) (io.WriteCloser, error) {
	mat, err := c.kg.MintDEK(objectContext(key))
	if err != nil {
		return nil, fmt.Errorf("artifacts crypto: mint material for %q: %w", key, err)
	}
	desc, err := mat.Descriptor.MarshalBinary()
	if err != nil {
		mat.Zero()
		return nil, fmt.Errorf("artifacts crypto: marshal descriptor for %q: %w", key, err)
	}
	header := make([]byte, 0, len(headerMagic)+2+len(desc))
	header = append(header, headerMagic[:]...)
	header = binary.BigEndian.AppendUint16(header, uint16(len(desc)))
	header = append(header, desc...)
	if _, err := dst.Write(header); err != nil {
		mat.Zero()
		return nil, fmt.Errorf("artifacts crypto: write header for %q: %w", key, err)
	}
	w, err := c.kg.EncryptWriter(dst, mat)
	if err != nil {
		mat.Zero()
		return nil, fmt.Errorf("artifacts crypto: encrypt %q: %w", key, err)
	}
	return &materialWriteCloser{WriteCloser: w, material: mat}, nil
}

// Open reads the header from src and returns the decrypting reader.
func (c *Crypto) Open(src io.Reader, key string) (io.ReadCloser, error) {
	var fixed [6]byte
	if _, err := io.ReadFull(src, fixed[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrNotSealed
		}
		return nil, fmt.Errorf("artifacts crypto: read header for %q: %w", key, err)
	}
	if !bytes.Equal(fixed[:4], headerMagic[:]) {
		return nil, ErrNotSealed
	}
	desc := make([]byte, binary.BigEndian.Uint16(fixed[4:]))
	if _, err := io.ReadFull(src, desc); err != nil {
		return nil, fmt.Errorf("artifacts crypto: read descriptor for %q: %w", key, err)
	}
	var descriptor keymgmt.Descriptor
	if err := descriptor.UnmarshalBinary(desc); err != nil {
		return nil, fmt.Errorf("artifacts crypto: decode descriptor for %q: %w", key, err)
	}
	mat, err := c.kg.ReconstructDEK(objectContext(key), descriptor)
	if err != nil {
		return nil, fmt.Errorf("artifacts crypto: reconstruct material for %q: %w", key, err)
	}
	r, err := c.kg.DecryptReader(src, mat)
	if err != nil {
		mat.Zero()
		return nil, fmt.Errorf("artifacts crypto: decrypt %q: %w", key, err)
	}
	return &materialReadCloser{ReadCloser: r, material: mat}, nil
}

type materialWriteCloser struct {
	io.WriteCloser
	material kryptograf.Material
}

func (m *materialWriteCloser) Close() error {
	err := m.WriteCloser.Close()
	m.material.Zero()
	return err
}

type materialReadCloser struct {
	io.ReadCloser
	material kryptograf.Material
}

func (m *materialReadCloser) Close() error {
	err := m.ReadCloser.Close()
	m.material.Zero()
	return err
}

// LoadRootKey reads the PEM key bundle at path. With create set a missing
// bundle is generated and written with mode 0600.
func LoadRootKey(path string, create bool) (keymgmt.RootKey, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !(errors.Is(err, os.ErrNotExist) && create) {
		return keymgmt.RootKey{}, fmt.Errorf("artifacts crypto: read key bundle: %w", err)
	}
	if len(existing) > 0 {
		store, err := keymgmt.LoadPEM(existing)
		if err != nil {
			return keymgmt.RootKey{}, fmt.Errorf("artifacts crypto: load key bundle: %w", err)
		}
		root, ok, err := store.RootKey()
		if err != nil {
			return keymgmt.RootKey{}, fmt.Errorf("artifacts crypto: read root key: %w", err)
		}
		if ok {
			return root, nil
		}
		if !create {
			return keymgmt.RootKey{}, fmt.Errorf("artifacts crypto: %s has no root key", path)
		}
	}
	var out []byte
	store, err := keymgmt.LoadPEMInto(existing, &out)
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("artifacts crypto: load key bundle: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("artifacts crypto: ensure root key: %w", err)
	}
	if err := store.Commit(); err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("artifacts crypto: commit key bundle: %w", err)
	}
	if len(out) == 0 {
		if out, err = store.Bytes(); err != nil {
			return keymgmt.RootKey{}, fmt.Errorf("artifacts crypto: serialize key bundle: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("artifacts crypto: prepare key directory: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("artifacts crypto: write key bundle: %w", err)
	}
	return root, nil
}
