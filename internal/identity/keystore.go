package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32
	saltLen      = 32

	keystoreFile = "identity.json"
)

// sealedKeystore is the on-disk representation of an encrypted private key.
type sealedKeystore struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// GenerateOrLoad returns the node's persistent key pair, generating and
// sealing a new one under dir on first run and decrypting the existing one
// on subsequent runs.
func GenerateOrLoad(dir, passphrase string) (*KeyPair, error) {
	path := filepath.Join(dir, keystoreFile)
	if _, err := os.Stat(path); err == nil {
		return load(path, passphrase)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: stat keystore: %w", err)
	}

	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := save(path, passphrase, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

func save(path, passphrase string, kp *KeyPair) error {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("identity: generate salt: %w", err)
	}
	key := deriveKey(passphrase, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("identity: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("identity: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("identity: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, kp.Bytes(), nil)

	sealed := sealedKeystore{Salt: salt, Nonce: nonce, Ciphertext: ciphertext}
	data, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("identity: marshal keystore: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("identity: create data dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("identity: write keystore: %w", err)
	}
	return nil
}

func load(path, passphrase string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read keystore: %w", err)
	}
	var sealed sealedKeystore
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, fmt.Errorf("identity: decode keystore: %w", err)
	}
	key := deriveKey(passphrase, sealed.Salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("identity: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("identity: new gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: decrypt keystore (wrong passphrase?): %w", err)
	}
	return FromBytes(plaintext)
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLen)
}
