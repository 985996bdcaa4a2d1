package operator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"

	"github.com/depools/joinmix/common"
	"github.com/depools/joinmix/enclave"
	"github.com/depools/joinmix/enclave/local"
	"github.com/depools/joinmix/ledger"
	"github.com/depools/joinmix/ledger/inmem"
	"github.com/depools/joinmix/messenger"
	"github.com/depools/joinmix/messenger/file_messenger"
	"github.com/depools/joinmix/operator"
	"github.com/depools/joinmix/operator/api/dto"
	"github.com/depools/joinmix/operator/modules/state"
	"github.com/depools/joinmix/operator/repositories/bundle"
	"github.com/depools/joinmix/operator/repositories/deposit"
	"github.com/depools/joinmix/operator/services/deal"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"
)

const operatorTestThreshold = 3

// flakyLedger drops the first failures of CreateDeal, standing in for
// transient settlement connectivity faults.
type flakyLedger struct {
	*inmem.Ledger

	mu       sync.Mutex
	failures int
}

func (l *flakyLedger) CreateDeal(ctx context.Context, organizer ethcommon.Address, depositInWei *big.Int, commitments []ledger.Commitment) (*ledger.Deal, error) {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return nil, errors.New("connection reset by peer")
	}
	l.mu.Unlock()
	return l.Ledger.CreateDeal(ctx, organizer, depositInWei, commitments)
}

// faultyState fails reads on demand, after the repositories are set up.
type faultyState struct {
	state.State

	mu   sync.Mutex
	fail bool
}

func (s *faultyState) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *faultyState) Get(key string) ([]byte, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return nil, errors.New("leveldb: closed")
	}
	return s.State.Get(key)
}

type operatorEnv struct {
	operator  *operator.Operator
	service   *deal.BaseDealService
	messenger messenger.Messenger
	enclave   *local.Enclave
}

func newOperatorEnv(t *testing.T, ldgr ledger.Ledger, st state.State) *operatorEnv {
	t.Helper()
	req := require.New(t)

	dir := t.TempDir()
	msgr, err := file_messenger.NewFileMessenger(
		filepath.Join(dir, "log"), filepath.Join(dir, "log.lock"))
	req.NoError(err)
	t.Cleanup(func() { msgr.Close() })

	depositRepo, err := deposit.NewDepositRepo(st, "operator_test")
	req.NoError(err)
	bundleRepo, err := bundle.NewBundleRepo(st, "operator_test")
	req.NoError(err)

	encl, err := local.NewEnclave(frand.Bytes(32))
	req.NoError(err)

	service, err := deal.NewDealService(
		ethcommon.HexToAddress("0x00000000000000000000000000000000000000aa"),
		operatorTestThreshold,
		enclave.Limits{GasBudget: 10_000_000, PricePerUnitWei: big.NewInt(1)},
		depositRepo,
		bundleRepo,
		ldgr,
		encl,
	)
	req.NoError(err)

	op := operator.NewOperator(common.NewLogger("operator"), msgr, st, service, encl, tenEth())

	return &operatorEnv{
		operator:  op,
		service:   service,
		messenger: msgr,
		enclave:   encl,
	}
}

func (env *operatorEnv) registerFunded(t *testing.T, ldgr ledger.Ledger, senderHex string, amountWei *big.Int, recipient ethcommon.Address) {
	t.Helper()
	req := require.New(t)
	ctx := context.Background()

	sender := ethcommon.HexToAddress(senderHex)
	_, err := ldgr.SubmitDeposit(ctx, sender, amountWei)
	req.NoError(err)

	pubKey, err := env.enclave.PublicKey(ctx)
	req.NoError(err)
	clientSuite := enclave.BaseSuite(frand.Bytes(32))
	encrypted, err := enclave.EncryptRecipient(clientSuite, pubKey, recipient)
	req.NoError(err)

	_, err = env.service.RegisterDeposit(&dto.DepositMetadataDTO{
		Sender:             sender.Hex(),
		AmountWei:          amountWei,
		PubKey:             []byte("session-pub"),
		EncryptedRecipient: encrypted,
	})
	req.NoError(err)
}

func tenEth() *big.Int {
	return new(big.Int).Mul(big.NewInt(10), big.NewInt(params.Ether))
}

func TestProcessDealFlowRetriesTransientLedgerFaults(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	ldgr := &flakyLedger{Ledger: inmem.NewLedger(0), failures: 2}
	st, err := state.NewLevelDBState(t.TempDir(), "operator_test")
	req.NoError(err)
	env := newOperatorEnv(t, ldgr, st)

	for i := 0; i < operatorTestThreshold; i++ {
		env.registerFunded(t, ldgr,
			fmt.Sprintf("0xa%d", i+1), tenEth(), ethcommon.HexToAddress(fmt.Sprintf("0xb%d", i+1)))
	}

	env.operator.ProcessDealFlow(ctx, tenEth())

	executed, err := ldgr.ListDeals(ctx, ledger.DealStatusExecuted)
	req.NoError(err)
	req.Len(executed, 1)

	select {
	case fault := <-env.operator.Faults():
		t.Fatalf("unexpected fault after a recovered ledger hiccup: %v", fault.Err)
	default:
	}
}

func TestProcessDealFlowFaultsAfterPersistentLedgerFailure(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	// More failures than the retry budget covers.
	ldgr := &flakyLedger{Ledger: inmem.NewLedger(0), failures: 10}
	st, err := state.NewLevelDBState(t.TempDir(), "operator_test")
	req.NoError(err)
	env := newOperatorEnv(t, ldgr, st)

	for i := 0; i < operatorTestThreshold; i++ {
		env.registerFunded(t, ldgr,
			fmt.Sprintf("0xa%d", i+1), tenEth(), ethcommon.HexToAddress(fmt.Sprintf("0xb%d", i+1)))
	}

	env.operator.ProcessDealFlow(ctx, tenEth())

	select {
	case fault := <-env.operator.Faults():
		req.ErrorIs(fault.Err, deal.ErrLedger)
	default:
		t.Fatal("expected a fault after exhausting ledger retries")
	}

	deals, err := ldgr.ListDeals(ctx, ledger.DealStatusAny)
	req.NoError(err)
	req.Empty(deals)
}

func TestInternalErrorsStillGetCorrelatedReplies(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	baseState, err := state.NewLevelDBState(t.TempDir(), "operator_test")
	req.NoError(err)
	st := &faultyState{State: baseState}
	env := newOperatorEnv(t, inmem.NewLedger(0), st)

	st.setFail(true)

	err = env.operator.ProcessMessage(ctx, messenger.Message{
		ID:     "quorum-req-1",
		Action: messenger.ActionFetchQuorum,
		Sender: "client_1",
	})
	req.Error(err)

	payload, err := json.Marshal(messenger.SubmitDepositMetadataPayload{
		Sender:             "0x00000000000000000000000000000000000000d1",
		AmountWei:          tenEth(),
		PubKey:             []byte("session-pub"),
		EncryptedRecipient: []byte("ciphertext"),
	})
	req.NoError(err)
	err = env.operator.ProcessMessage(ctx, messenger.Message{
		ID:      "submit-req-1",
		Action:  messenger.ActionSubmitDepositMetadata,
		Sender:  "client_1",
		Payload: payload,
	})
	req.Error(err)

	st.setFail(false)

	messages, err := env.messenger.GetMessages(0)
	req.NoError(err)

	replies := map[string]messenger.Action{}
	for _, m := range messages {
		if m.CorrelationID != "" {
			replies[m.CorrelationID] = m.Action
		}
	}
	req.Equal(messenger.ActionFetchQuorumError, replies["quorum-req-1"])
	req.Equal(messenger.ActionSubmitDepositMetadataError, replies["submit-req-1"])
}
