package state_test

import (
	"testing"

	"github.com/depools/joinmix/operator/modules/state"

	"github.com/stretchr/testify/require"
)

func TestLevelDBState_SaveOffset(t *testing.T) {
	var (
		req    = require.New(t)
		dbPath = t.TempDir()
		topic  = "test_topic"
	)

	stg, err := state.NewLevelDBState(dbPath, topic)
	req.NoError(err)

	loadedOffset, err := stg.LoadOffset()
	req.NoError(err)
	req.Zero(loadedOffset)

	var offset uint64 = 42
	err = stg.SaveOffset(offset)
	req.NoError(err)

	loadedOffset, err = stg.LoadOffset()
	req.NoError(err)
	req.Equal(offset, loadedOffset)
}

func TestLevelDBState_SetGetDelete(t *testing.T) {
	var (
		req    = require.New(t)
		dbPath = t.TempDir()
		key    = state.MakeCompositeKeyString("test_topic", "some_key")
	)

	stg, err := state.NewLevelDBState(dbPath, "test_topic")
	req.NoError(err)

	err = stg.Set(key, []byte("value"))
	req.NoError(err)

	value, err := stg.Get(key)
	req.NoError(err)
	req.Equal([]byte("value"), value)

	err = stg.Delete(key)
	req.NoError(err)

	value, err = stg.Get(key)
	req.NoError(err)
	req.Empty(value)
}
