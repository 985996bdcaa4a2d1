package file_messenger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/depools/joinmix/messenger"

	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"
)

func TestFileMessenger_Send(t *testing.T) {
	var (
		req      = require.New(t)
		N        = 10
		testFile = filepath.Join(t.TempDir(), "joinmix_test_messenger")
		lockFile = filepath.Join(t.TempDir(), "joinmix_test_messenger_lock")
	)
	fm, err := NewFileMessenger(testFile, lockFile)
	req.NoError(err)
	defer fm.Close()
	defer os.Remove(testFile)

	sent := make([]messenger.Message, 0, N)
	for i := 0; i < N; i++ {
		msg, err := fm.Send(messenger.Message{
			Action:  messenger.ActionQuorumUpdate,
			Payload: frand.Bytes(10),
		})
		req.NoError(err)
		req.NotEmpty(msg.ID)
		req.Equal(uint64(i), msg.Offset)
		sent = append(sent, msg)
	}

	got, err := fm.GetMessages(0)
	req.NoError(err)
	req.Equal(sent, got)

	tail, err := fm.GetMessages(uint64(N - 2))
	req.NoError(err)
	req.Equal(sent[N-2:], tail)
}

func TestFileMessenger_KeepsCallerAssignedID(t *testing.T) {
	var (
		req      = require.New(t)
		testFile = filepath.Join(t.TempDir(), "joinmix_test_messenger_ids")
		lockFile = filepath.Join(t.TempDir(), "joinmix_test_messenger_ids_lock")
	)
	fm, err := NewFileMessenger(testFile, lockFile)
	req.NoError(err)
	defer fm.Close()

	msg, err := fm.Send(messenger.Message{
		ID:     "request-1",
		Action: messenger.ActionFetchQuorum,
	})
	req.NoError(err)
	req.Equal("request-1", msg.ID)
}
