package bundle

import (
	"math/big"
	"testing"

	"github.com/depools/joinmix/operator/modules/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"
)

func TestBundleRepo(t *testing.T) {
	req := require.New(t)

	stateDb, err := state.NewLevelDBState(t.TempDir(), "test_topic")
	req.NoError(err)

	repo, err := NewBundleRepo(stateDb, "test_topic")
	req.NoError(err)

	dealID := common.BytesToHash(frand.Bytes(32))
	stored := &Bundle{
		DealID:       dealID,
		DepositInWei: big.NewInt(100500),
		DepositIDs:   []string{"dep-1", "dep-2", "dep-3"},
		EncryptedRecipients: [][]byte{
			frand.Bytes(48), frand.Bytes(48), frand.Bytes(48),
		},
	}
	req.NoError(repo.PutBundle(stored))

	loaded, err := repo.GetBundle(dealID)
	req.NoError(err)
	bigIntCmp := cmp.Comparer(func(a, b *big.Int) bool { return a.Cmp(b) == 0 })
	if diff := cmp.Diff(stored, loaded, bigIntCmp); diff != "" {
		t.Fatalf("unexpected bundle after reload: %s", diff)
	}

	_, err = repo.GetBundle(common.BytesToHash(frand.Bytes(32)))
	req.ErrorIs(err, ErrBundleNotFound)

	// Retried executions overwrite in place.
	stored.DepositIDs = append(stored.DepositIDs, "dep-4")
	req.NoError(repo.PutBundle(stored))

	loaded, err = repo.GetBundle(dealID)
	req.NoError(err)
	req.Len(loaded.DepositIDs, 4)
}
