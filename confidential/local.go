package confidential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sync"
)

// LocalProvider is an in-process stand-in for the external confidential
// coprocessor. Handles are AES-GCM ciphertexts over an 8-byte scalar, so
// arithmetic is decrypt-combine-reencrypt behind the Provider boundary. It is
// suitable for development and tests; the arithmetic contract and the grant
// bookkeeping match what the remote service provides.
type LocalProvider struct {
	aead cipher.AEAD

	mu     sync.Mutex
	grants map[Value]map[string]struct{}
}

// NewLocalProvider builds a provider from a 32-byte key.
func NewLocalProvider(key []byte) (*LocalProvider, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("confidential: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("confidential: new gcm: %w", err)
	}
	return &LocalProvider{
		aead:   aead,
		grants: make(map[Value]map[string]struct{}),
	}, nil
}

// NewEphemeralProvider builds a provider with a random key. Handles do not
// survive the process; meant for tests and throwaway environments.
func NewEphemeralProvider() (*LocalProvider, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("confidential: generate key: %w", err)
	}
	return NewLocalProvider(key)
}

func (p *LocalProvider) Encrypt(plain uint64) (Value, error) {
	return p.seal(plain)
}

func (p *LocalProvider) Add(a, b Value) (Value, error) {
	x, err := p.open(a)
	if err != nil {
		return "", err
	}
	y, err := p.open(b)
	if err != nil {
		return "", err
	}
	return p.seal(x + y)
}

func (p *LocalProvider) Mul(a, b Value) (Value, error) {
	x, err := p.open(a)
	if err != nil {
		return "", err
	}
	y, err := p.open(b)
	if err != nil {
		return "", err
	}
	return p.seal(x * y)
}

func (p *LocalProvider) AddScalar(v Value, k uint64) (Value, error) {
	x, err := p.open(v)
	if err != nil {
		return "", err
	}
	return p.seal(x + k)
}

func (p *LocalProvider) MulScalar(v Value, k uint64) (Value, error) {
	x, err := p.open(v)
	if err != nil {
		return "", err
	}
	return p.seal(x * k)
}

func (p *LocalProvider) GrantView(v Value, principal string) error {
	if v.Zero() {
		return fmt.Errorf("confidential: grant on empty handle")
	}
	if principal == "" {
		return fmt.Errorf("confidential: grant requires a principal")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.grants[v]
	if !ok {
		set = make(map[string]struct{})
		p.grants[v] = set
	}
	set[principal] = struct{}{}
	return nil
}

// HasView reports whether principal was granted disclosure over v.
func (p *LocalProvider) HasView(v Value, principal string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.grants[v][principal]
	return ok
}

// Reveal decrypts a handle. Only the test oracle and local tooling call this;
// nothing on the engine path does.
func (p *LocalProvider) Reveal(v Value) (uint64, error) {
	return p.open(v)
}

func (p *LocalProvider) seal(plain uint64) (Value, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("confidential: nonce: %w", err)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, plain)
	out := p.aead.Seal(nonce, nonce, buf, nil)
	return Value(base64.StdEncoding.EncodeToString(out)), nil
}

func (p *LocalProvider) open(v Value) (uint64, error) {
	if v.Zero() {
		return 0, fmt.Errorf("confidential: empty handle")
	}
	raw, err := base64.StdEncoding.DecodeString(string(v))
	if err != nil {
		return 0, fmt.Errorf("confidential: decode handle: %w", err)
	}
	ns := p.aead.NonceSize()
	if len(raw) < ns {
		return 0, fmt.Errorf("confidential: handle too short")
	}
	plain, err := p.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return 0, fmt.Errorf("confidential: open handle: %w", err)
	}
	if len(plain) != 8 {
		return 0, fmt.Errorf("confidential: unexpected plaintext width")
	}
	return binary.BigEndian.Uint64(plain), nil
}
