package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for the seed file key derivation. Stored alongside
// the ciphertext so they can be raised later without breaking old files.
const (
	kdfTime    = 3
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 4
	kdfKeyLen  = 32
	kdfSaltLen = 32
)

// MinPassphraseLen is the shortest accepted wallet passphrase.
const MinPassphraseLen = 8

const sealedSeedVersion = 1

var (
	ErrWeakPassphrase  = errors.New("passphrase too short")
	ErrWrongPassphrase = errors.New("seed decryption failed, wrong passphrase")
)

// SealedSeed is the encrypted mnemonic as written to disk: Argon2id key
// derivation over the passphrase, AES-256-GCM over the mnemonic.
type SealedSeed struct {
	Version    int    `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Time       uint32 `json:"time"`
	Memory     uint32 `json:"memory"`
	Threads    uint8  `json:"threads"`
}

// SealMnemonic encrypts a mnemonic under a passphrase.
func SealMnemonic(mnemonic, passphrase string) (*SealedSeed, error) {
	if len(passphrase) < MinPassphraseLen {
		return nil, fmt.Errorf("%w: need at least %d characters", ErrWeakPassphrase, MinPassphraseLen)
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}

	salt := make([]byte, kdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
	defer zeroBytes(key)

	gcm, err := seedCipher(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &SealedSeed{
		Version:    sealedSeedVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, []byte(mnemonic), nil),
		Time:       kdfTime,
		Memory:     kdfMemory,
		Threads:    kdfThreads,
	}, nil
}

// Open decrypts the mnemonic with the passphrase the seed was sealed
// under.
func (s *SealedSeed) Open(passphrase string) (string, error) {
	if s.Version != sealedSeedVersion {
		return "", fmt.Errorf("unsupported seed file version %d", s.Version)
	}

	key := argon2.IDKey([]byte(passphrase), s.Salt, s.Time, s.Memory, s.Threads, kdfKeyLen)
	defer zeroBytes(key)

	gcm, err := seedCipher(key)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassphrase
	}
	return string(plain), nil
}

// WriteFile stores the sealed seed as JSON, owner-readable only.
func (s *SealedSeed) WriteFile(path string) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode seed file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write seed file: %w", err)
	}
	return nil
}

// ReadSealedSeed loads a sealed seed file.
func ReadSealedSeed(path string) (*SealedSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sealed SealedSeed
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, fmt.Errorf("failed to decode seed file %s: %w", path, err)
	}
	return &sealed, nil
}

func seedCipher(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// zeroBytes overwrites key material once it is no longer needed.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
