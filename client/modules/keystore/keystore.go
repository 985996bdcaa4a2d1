package keystore

import (
	"crypto/sha512"
	"encoding/json"
	"fmt"

	"github.com/depools/joinmix/enclave"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/pbkdf2"
)

const (
	secretsKey   = "secrets"
	mnemonicSalt = "mnemonic"
	seedSize     = 32
)

// KeyPair is a client session key pair on the shared encryption suite.
// Priv never leaves the keystore host.
type KeyPair struct {
	Pub  []byte `json:"pub"`
	Priv []byte `json:"priv"`
	Seed []byte `json:"seed"`
}

// NewKeyPair derives a fresh key pair from a bip39 mnemonic and returns
// the mnemonic so the user can write it down.
func NewKeyPair() (*KeyPair, string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate bip39 entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate new mnemonic from entropy: %w", err)
	}

	keyPair, err := KeyPairFromMnemonic(mnemonic)
	if err != nil {
		return nil, "", err
	}
	return keyPair, mnemonic, nil
}

// KeyPairFromMnemonic restores the deterministic key pair a mnemonic
// encodes.
func KeyPairFromMnemonic(mnemonic string) (*KeyPair, error) {
	if _, err := bip39.EntropyFromMnemonic(mnemonic); err != nil {
		return nil, fmt.Errorf("failed to validate mnemonic: %w", err)
	}

	seed := pbkdf2.Key([]byte(mnemonic), []byte(mnemonicSalt), 2048, seedSize, sha512.New)

	suite := enclave.BaseSuite(seed)
	secKey := suite.Scalar().Pick(suite.RandomStream())
	pubKey := suite.Point().Mul(secKey, nil)

	privBz, err := secKey.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	pubBz, err := pubKey.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	return &KeyPair{
		Pub:  pubBz,
		Priv: privBz,
		Seed: seed,
	}, nil
}

type KeyStore interface {
	PutKeys(username string, keyPair *KeyPair) error
	LoadKeys(userName, password string) (*KeyPair, error)
}

// LevelDBKeyStore is a temporary solution for keeping hot client keys.
// The target state is an encrypted storage with password authentication.
type LevelDBKeyStore struct {
	keystoreDb *leveldb.DB
}

func NewLevelDBKeyStore(username, keystorePath string) (KeyStore, error) {
	db, err := leveldb.OpenFile(keystorePath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}

	keystore := &LevelDBKeyStore{
		keystoreDb: db,
	}

	if _, err := keystore.keystoreDb.Get([]byte(secretsKey), nil); err != nil {
		if err := keystore.initJsonKey(secretsKey, map[string]*KeyPair{}); err != nil {
			return nil, fmt.Errorf("failed to init %s storage: %w", secretsKey, err)
		}
	}

	return keystore, nil
}

func (s *LevelDBKeyStore) initJsonKey(key string, data interface{}) error {
	dataBz, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal storage structure: %w", err)
	}
	err = s.keystoreDb.Put([]byte(key), dataBz, nil)
	if err != nil {
		return fmt.Errorf("failed to init state: %w", err)
	}

	return nil
}

func (s *LevelDBKeyStore) PutKeys(username string, keyPair *KeyPair) error {
	bz, err := s.keystoreDb.Get([]byte(secretsKey), nil)
	if err != nil {
		return fmt.Errorf("failed to read keystore: %w", err)
	}

	var keyPairs = map[string]*KeyPair{}
	if err := json.Unmarshal(bz, &keyPairs); err != nil {
		return fmt.Errorf("failed to unmarshal key pairs: %w", err)
	}

	keyPairs[username] = keyPair

	keyPairsBz, err := json.Marshal(keyPairs)
	if err != nil {
		return fmt.Errorf("failed to marshal key pair: %w", err)
	}

	err = s.keystoreDb.Put([]byte(secretsKey), keyPairsBz, nil)
	if err != nil {
		return fmt.Errorf("failed to put key pairs: %w", err)
	}

	return nil
}

func (s *LevelDBKeyStore) LoadKeys(userName, password string) (*KeyPair, error) {
	bz, err := s.keystoreDb.Get([]byte(secretsKey), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	var keyPairs = map[string]*KeyPair{}
	if err := json.Unmarshal(bz, &keyPairs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key pairs: %w", err)
	}

	keyPair, ok := keyPairs[userName]
	if !ok {
		return nil, fmt.Errorf("no key pair found for user %s", userName)
	}

	return keyPair, nil
}
