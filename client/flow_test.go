package client_test

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/depools/joinmix/client"
	"github.com/depools/joinmix/client/modules/keystore"
	"github.com/depools/joinmix/common"
	"github.com/depools/joinmix/enclave"
	"github.com/depools/joinmix/enclave/local"
	"github.com/depools/joinmix/fsm/deal_flow_fsm"
	"github.com/depools/joinmix/ledger"
	"github.com/depools/joinmix/ledger/inmem"
	"github.com/depools/joinmix/messenger"
	"github.com/depools/joinmix/messenger/file_messenger"
	"github.com/depools/joinmix/operator"
	"github.com/depools/joinmix/operator/modules/state"
	"github.com/depools/joinmix/operator/repositories/bundle"
	"github.com/depools/joinmix/operator/repositories/deposit"
	"github.com/depools/joinmix/operator/services/deal"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"
)

const (
	flowThreshold     = 3
	clientPollPeriod  = 50 * time.Millisecond
	flowWaitTimeout   = 30 * time.Second
	flowLedgerLatency = 5 * time.Millisecond
)

type flowEnv struct {
	operator *operator.Operator
	ledger   *inmem.Ledger
	service  *deal.BaseDealService

	dataFile string
	lockFile string
}

func setupFlowEnv(t *testing.T, canonicalAmountWei *big.Int) *flowEnv {
	t.Helper()
	req := require.New(t)

	dir := t.TempDir()
	dataFile := filepath.Join(dir, "coordination_log")
	lockFile := filepath.Join(dir, "coordination_log.lock")

	msgr, err := file_messenger.NewFileMessenger(dataFile, lockFile)
	req.NoError(err)
	t.Cleanup(func() { msgr.Close() })

	stateDb, err := state.NewLevelDBState(filepath.Join(dir, "operator_state"), "flow_test")
	req.NoError(err)

	depositRepo, err := deposit.NewDepositRepo(stateDb, "flow_test")
	req.NoError(err)
	bundleRepo, err := bundle.NewBundleRepo(stateDb, "flow_test")
	req.NoError(err)

	ldgr := inmem.NewLedger(flowLedgerLatency)
	encl, err := local.NewEnclave(frand.Bytes(32))
	req.NoError(err)

	service, err := deal.NewDealService(
		ethcommon.HexToAddress("0x00000000000000000000000000000000000000aa"),
		flowThreshold,
		enclave.Limits{GasBudget: 1000000, PricePerUnitWei: big.NewInt(1)},
		depositRepo,
		bundleRepo,
		ldgr,
		encl,
	)
	req.NoError(err)

	op := operator.NewOperator(common.NewLogger("operator"), msgr, stateDb, service, encl, canonicalAmountWei)

	return &flowEnv{
		operator: op,
		ledger:   ldgr,
		service:  service,
		dataFile: dataFile,
		lockFile: lockFile,
	}
}

// newFlowClient gives the participant its own log handle, the way
// separate processes would share the file.
func newFlowClient(t *testing.T, env *flowEnv, name string, sender ethcommon.Address) *client.Client {
	t.Helper()
	req := require.New(t)

	msgr, err := file_messenger.NewFileMessenger(env.dataFile, env.lockFile)
	req.NoError(err)
	t.Cleanup(func() { msgr.Close() })

	keyPair, _, err := keystore.NewKeyPair()
	req.NoError(err)

	c := client.NewClient(common.NewLogger(name), name, sender, keyPair, msgr, env.ledger, clientPollPeriod)
	t.Cleanup(func() { c.Close() })
	return c
}

func ethAmount(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.Ether))
}

func TestFullDealFlow(t *testing.T) {
	req := require.New(t)

	canonicalAmountWei := ethAmount(10)
	env := setupFlowEnv(t, canonicalAmountWei)

	ctx, cancel := context.WithTimeout(context.Background(), flowWaitTimeout)
	defer cancel()

	req.NoError(env.operator.AnnounceParams(ctx))
	go func() { _ = env.operator.Poll(ctx) }()

	var (
		clients    []*client.Client
		recipients []ethcommon.Address
	)
	for i := 0; i < flowThreshold; i++ {
		sender := ethcommon.HexToAddress(fmt.Sprintf("0x%040x", i+1))
		recipients = append(recipients, ethcommon.HexToAddress(fmt.Sprintf("0x%040x", 100+i)))
		clients = append(clients, newFlowClient(t, env, fmt.Sprintf("client_%d", i), sender))
	}
	for _, c := range clients {
		go func(c *client.Client) { _ = c.Poll(ctx) }(c)
	}

	updates := clients[0].Observe(64)

	for i, c := range clients {
		_, err := c.PubKey(ctx)
		req.NoError(err)

		threshold, ok := c.Threshold()
		if ok {
			req.Equal(flowThreshold, threshold)
		}

		_, err = c.MakeDeposit(ctx, canonicalAmountWei)
		req.NoError(err)

		encryptedRecipient, err := c.EncryptRecipient(ctx, recipients[i])
		req.NoError(err)

		req.NoError(c.SubmitDepositMetadata(ctx, canonicalAmountWei, encryptedRecipient))
	}

	// The third acknowledged submission triggers the whole tail: deal
	// creation, confidential execution and settlement.
	req.Eventually(func() bool {
		deals, err := clients[0].FindDeals(ctx, ledger.DealStatusExecuted)
		return err == nil && len(deals) == 1
	}, flowWaitTimeout, 100*time.Millisecond)

	deals, err := clients[0].FindDeals(ctx, ledger.DealStatusAny)
	req.NoError(err)
	req.Len(deals, 1)
	req.Equal(flowThreshold, deals[0].NumParticipants)
	req.Zero(deals[0].DepositInWei.Cmp(canonicalAmountWei))
	req.Equal(ledger.DealStatusExecuted, deals[0].Status)

	var sawCreated, sawExecuted, sawEmptyQuorum bool
	deadline := time.After(flowWaitTimeout)
	for !(sawCreated && sawExecuted && sawEmptyQuorum) {
		select {
		case update := <-updates:
			switch update.Action {
			case messenger.ActionDealCreatedUpdate:
				sawCreated = true
			case messenger.ActionDealExecutedUpdate:
				sawExecuted = true
			case messenger.ActionQuorumUpdate:
				if sawCreated {
					var payload messenger.QuorumPayload
					req.NoError(json.Unmarshal(update.Payload, &payload))
					if payload.Quorum == 0 {
						sawEmptyQuorum = true
					}
				}
			}
		case <-deadline:
			t.Fatalf("missing broadcasts: created=%v executed=%v emptyQuorum=%v",
				sawCreated, sawExecuted, sawEmptyQuorum)
		}
	}

	// The bucket cycles back and can host the next deal.
	req.Equal(deal_flow_fsm.StateIdle.String(), env.service.BucketState(canonicalAmountWei))

	quorum, err := clients[0].FetchQuorum(ctx)
	req.NoError(err)
	req.Zero(quorum)

	fillable, err := clients[0].FetchFillableDeposits(ctx, canonicalAmountWei)
	req.NoError(err)
	req.Empty(fillable)
}

func TestFetchFillableMinAmountFilter(t *testing.T) {
	req := require.New(t)

	env := setupFlowEnv(t, ethAmount(10))

	ctx, cancel := context.WithTimeout(context.Background(), flowWaitTimeout)
	defer cancel()

	req.NoError(env.operator.AnnounceParams(ctx))
	go func() { _ = env.operator.Poll(ctx) }()

	c := newFlowClient(t, env, "small_fish", ethcommon.HexToAddress("0x00000000000000000000000000000000000000f1"))
	go func() { _ = c.Poll(ctx) }()

	smallAmount := ethAmount(1)
	_, err := c.MakeDeposit(ctx, smallAmount)
	req.NoError(err)

	encryptedRecipient, err := c.EncryptRecipient(ctx, ethcommon.HexToAddress("0x00000000000000000000000000000000000000f2"))
	req.NoError(err)
	req.NoError(c.SubmitDepositMetadata(ctx, smallAmount, encryptedRecipient))

	fillable, err := c.FetchFillableDeposits(ctx, ethAmount(5))
	req.NoError(err)
	req.Empty(fillable)

	fillable, err = c.FetchFillableDeposits(ctx, smallAmount)
	req.NoError(err)
	req.Len(fillable, 1)
	req.Zero(fillable[0].AmountWei.Cmp(smallAmount))

	// A participant below threshold never yields a deal.
	deals, err := c.FindDeals(ctx, ledger.DealStatusAny)
	req.NoError(err)
	req.Empty(deals)
}

func TestSubmitDepositMetadataRejections(t *testing.T) {
	req := require.New(t)

	env := setupFlowEnv(t, ethAmount(10))

	ctx, cancel := context.WithTimeout(context.Background(), flowWaitTimeout)
	defer cancel()

	req.NoError(env.operator.AnnounceParams(ctx))
	go func() { _ = env.operator.Poll(ctx) }()

	c := newFlowClient(t, env, "rejected", ethcommon.HexToAddress("0x00000000000000000000000000000000000000e1"))
	go func() { _ = c.Poll(ctx) }()

	encryptedRecipient, err := c.EncryptRecipient(ctx, ethcommon.HexToAddress("0x00000000000000000000000000000000000000e2"))
	req.NoError(err)

	err = c.SubmitDepositMetadata(ctx, big.NewInt(0), encryptedRecipient)
	req.Error(err)
	req.Contains(err.Error(), "invalid deposit")

	_, err = c.MakeDeposit(ctx, ethAmount(10))
	req.NoError(err)
	req.NoError(c.SubmitDepositMetadata(ctx, ethAmount(10), encryptedRecipient))

	// Same sender and amount while the first deposit is still pending.
	err = c.SubmitDepositMetadata(ctx, ethAmount(10), encryptedRecipient)
	req.Error(err)
	req.Contains(err.Error(), "already registered")
}
