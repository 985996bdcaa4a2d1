package keystore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelDBKeyStore(t *testing.T) {
	req := require.New(t)

	keystore, err := NewLevelDBKeyStore("test_user", t.TempDir())
	req.NoError(err)

	keyPair, mnemonic, err := NewKeyPair()
	req.NoError(err)
	req.NotEmpty(mnemonic)
	req.NotEmpty(keyPair.Pub)
	req.NotEmpty(keyPair.Priv)

	err = keystore.PutKeys("test_user", keyPair)
	req.NoError(err)

	loadedKeyPair, err := keystore.LoadKeys("test_user", "")
	req.NoError(err)
	req.Equal(keyPair.Pub, loadedKeyPair.Pub)
	req.Equal(keyPair.Priv, loadedKeyPair.Priv)

	_, err = keystore.LoadKeys("unknown_user", "")
	req.Error(err)
}

func TestKeyPairFromMnemonic(t *testing.T) {
	req := require.New(t)

	keyPair, mnemonic, err := NewKeyPair()
	req.NoError(err)

	restored, err := KeyPairFromMnemonic(mnemonic)
	req.NoError(err)
	req.Equal(keyPair.Pub, restored.Pub)
	req.Equal(keyPair.Priv, restored.Priv)

	_, err = KeyPairFromMnemonic("not a valid mnemonic at all")
	req.Error(err)
}
