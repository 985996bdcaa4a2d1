package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/depools/joinmix/client/modules/keystore"
	"github.com/depools/joinmix/common"
	"github.com/depools/joinmix/enclave"
	"github.com/depools/joinmix/ledger"
	"github.com/depools/joinmix/messenger"
	"github.com/depools/joinmix/operator/types"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrConnectionClosed resolves every request still waiting for a
// correlated response when the client shuts down.
var ErrConnectionClosed = errors.New("connection closed")

// params is the operator-announced session state a client caches from
// broadcasts. pubKeyReady closes exactly once, on the first pubKeyUpdate.
type params struct {
	pubKey      []byte
	pubKeyReady chan struct{}

	threshold    int
	hasThreshold bool

	quorumAmountWei *big.Int
	quorum          int
	hasQuorum       bool
}

// Client is a depositor's session with the coordination log. It keeps a
// single poll loop over the shared log, resolves correlated responses to
// the request that produced them, and caches broadcast parameters.
type Client struct {
	Logger common.Logger

	userName string
	sender   ethcommon.Address
	keyPair  *keystore.KeyPair

	messenger messenger.Messenger
	ledger    ledger.Ledger

	pollingPeriod time.Duration

	mu        sync.Mutex
	closed    bool
	offset    uint64
	params    params
	pending   map[string]chan messenger.Message
	observers []chan messenger.Message
}

func NewClient(
	logger common.Logger,
	userName string,
	sender ethcommon.Address,
	keyPair *keystore.KeyPair,
	msgr messenger.Messenger,
	ldgr ledger.Ledger,
	pollingPeriod time.Duration,
) *Client {
	return &Client{
		Logger:        logger,
		userName:      userName,
		sender:        sender,
		keyPair:       keyPair,
		messenger:     msgr,
		ledger:        ldgr,
		pollingPeriod: pollingPeriod,
		params: params{
			pubKeyReady: make(chan struct{}),
		},
		pending: map[string]chan messenger.Message{},
	}
}

// Poll consumes the coordination log until the context is canceled or
// the client is closed. The log is replayed from offset zero on every
// start, so announcements made before the client joined are picked up.
func (c *Client) Poll(ctx context.Context) error {
	tk := time.NewTicker(c.pollingPeriod)
	defer tk.Stop()
	for {
		select {
		case <-tk.C:
			if err := c.drainLog(); err != nil {
				if errors.Is(err, ErrConnectionClosed) {
					return nil
				}
				return err
			}
		case <-ctx.Done():
			c.Logger.Log("context canceled, stopping the client poller")
			return nil
		}
	}
}

func (c *Client) drainLog() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	offset := c.offset
	c.mu.Unlock()

	messages, err := c.messenger.GetMessages(offset)
	if err != nil {
		return fmt.Errorf("failed to GetMessages: %w", err)
	}

	for _, message := range messages {
		c.processMessage(message)

		c.mu.Lock()
		c.offset = message.Offset + 1
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) processMessage(message messenger.Message) {
	if message.CorrelationID != "" {
		c.resolvePending(message)
		return
	}
	if !message.IsBroadcast() {
		return
	}

	switch message.Action {
	case messenger.ActionPubKeyUpdate:
		var payload messenger.PubKeyPayload
		if err := json.Unmarshal(message.Payload, &payload); err != nil {
			c.Logger.Log("failed to unmarshal pubKeyUpdate payload: %v", err)
			return
		}
		c.mu.Lock()
		fresh := c.params.pubKey == nil
		c.params.pubKey = payload.PubKey
		if fresh {
			close(c.params.pubKeyReady)
		}
		c.mu.Unlock()
	case messenger.ActionThresholdUpdate:
		var payload messenger.ThresholdPayload
		if err := json.Unmarshal(message.Payload, &payload); err != nil {
			c.Logger.Log("failed to unmarshal thresholdUpdate payload: %v", err)
			return
		}
		c.mu.Lock()
		c.params.threshold = payload.Threshold
		c.params.hasThreshold = true
		c.mu.Unlock()
	case messenger.ActionQuorumUpdate:
		var payload messenger.QuorumPayload
		if err := json.Unmarshal(message.Payload, &payload); err != nil {
			c.Logger.Log("failed to unmarshal quorumUpdate payload: %v", err)
			return
		}
		c.mu.Lock()
		c.params.quorumAmountWei = payload.AmountWei
		c.params.quorum = payload.Quorum
		c.params.hasQuorum = true
		c.mu.Unlock()
	}

	c.notifyObservers(message)
}

func (c *Client) resolvePending(message messenger.Message) {
	c.mu.Lock()
	ch, ok := c.pending[message.CorrelationID]
	if ok {
		delete(c.pending, message.CorrelationID)
	}
	c.mu.Unlock()

	if ok {
		ch <- message
		close(ch)
	}
}

func (c *Client) notifyObservers(message messenger.Message) {
	c.mu.Lock()
	observers := make([]chan messenger.Message, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, observer := range observers {
		select {
		case observer <- message:
		default:
		}
	}
}

// Observe returns a channel of operator broadcasts as they arrive.
// Slow consumers drop messages rather than stall the poll loop.
func (c *Client) Observe(buffer int) <-chan messenger.Message {
	ch := make(chan messenger.Message, buffer)
	c.mu.Lock()
	c.observers = append(c.observers, ch)
	c.mu.Unlock()
	return ch
}

// PubKey returns the backend's encryption key, blocking until the
// operator has announced it.
func (c *Client) PubKey(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	ready := c.params.pubKeyReady
	c.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, fmt.Errorf("public key not announced yet: %w", ctx.Err())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params.pubKey, nil
}

// Threshold returns the announced deal threshold, if seen yet.
func (c *Client) Threshold() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params.threshold, c.params.hasThreshold
}

// Quorum returns the latest quorumUpdate for the canonical amount, if
// seen yet.
func (c *Client) Quorum() (*big.Int, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params.quorumAmountWei, c.params.quorum, c.params.hasQuorum
}

// MakeDeposit places the pooled payment on the settlement ledger. The
// returned receipt is what later backs this client's metadata.
func (c *Client) MakeDeposit(ctx context.Context, amountWei *big.Int) (*ledger.DepositReceipt, error) {
	receipt, err := c.ledger.SubmitDeposit(ctx, c.sender, amountWei)
	if err != nil {
		return nil, fmt.Errorf("failed to submit deposit to the ledger: %w", err)
	}
	return receipt, nil
}

// EncryptRecipient seals a payout address under the backend's announced
// key. The plaintext address is never stored or logged.
func (c *Client) EncryptRecipient(ctx context.Context, recipient ethcommon.Address) ([]byte, error) {
	pubKey, err := c.PubKey(ctx)
	if err != nil {
		return nil, err
	}

	suite := enclave.BaseSuite(c.keyPair.Seed)
	return enclave.EncryptRecipient(suite, pubKey, recipient)
}

// SubmitDepositMetadata registers the client's deposit with the
// operator and waits for the correlated acknowledgment.
func (c *Client) SubmitDepositMetadata(ctx context.Context, amountWei *big.Int, encryptedRecipient []byte) error {
	response, err := c.request(ctx, messenger.ActionSubmitDepositMetadata, messenger.SubmitDepositMetadataPayload{
		Sender:             c.sender.Hex(),
		AmountWei:          amountWei,
		PubKey:             c.keyPair.Pub,
		EncryptedRecipient: encryptedRecipient,
	})
	if err != nil {
		return err
	}

	if response.Action == messenger.ActionSubmitDepositMetadataError {
		return responseError(response)
	}
	if response.Action != messenger.ActionSubmitDepositMetadataSuccess {
		return fmt.Errorf("unexpected response action %s", response.Action)
	}
	return nil
}

// FetchFillableDeposits asks the operator for pending deposits at or
// above the given amount.
func (c *Client) FetchFillableDeposits(ctx context.Context, minAmountWei *big.Int) ([]*types.Deposit, error) {
	response, err := c.request(ctx, messenger.ActionFetchFillableDeposits, messenger.FetchFillablePayload{
		MinAmountWei: minAmountWei,
	})
	if err != nil {
		return nil, err
	}

	if response.Action == messenger.ActionFetchFillableError {
		return nil, responseError(response)
	}

	var deposits []*types.Deposit
	if err := json.Unmarshal(response.Payload, &deposits); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fillable deposits: %w", err)
	}
	return deposits, nil
}

// FetchQuorum asks the operator for the canonical bucket's live quorum.
func (c *Client) FetchQuorum(ctx context.Context) (int, error) {
	response, err := c.request(ctx, messenger.ActionFetchQuorum, struct{}{})
	if err != nil {
		return 0, err
	}

	if response.Action == messenger.ActionFetchQuorumError {
		return 0, responseError(response)
	}

	var payload messenger.QuorumPayload
	if err := json.Unmarshal(response.Payload, &payload); err != nil {
		return 0, fmt.Errorf("failed to unmarshal quorum payload: %w", err)
	}
	return payload.Quorum, nil
}

// FindDeals reads the ledger's deal list and filters by status on the
// client side, so a stale operator cannot hide executed deals.
func (c *Client) FindDeals(ctx context.Context, status ledger.DealStatus) ([]*ledger.Deal, error) {
	deals, err := c.ledger.ListDeals(ctx, ledger.DealStatusAny)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger deals: %w", err)
	}

	if status == ledger.DealStatusAny {
		return deals, nil
	}

	filtered := make([]*ledger.Deal, 0, len(deals))
	for _, d := range deals {
		if d.Status == status {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

func (c *Client) request(ctx context.Context, action messenger.Action, payload interface{}) (messenger.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return messenger.Message{}, fmt.Errorf("failed to marshal %s payload: %w", action, err)
	}

	id := uuid.New().String()
	ch := make(chan messenger.Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return messenger.Message{}, ErrConnectionClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if _, err := c.messenger.Send(messenger.Message{
		ID:      id,
		Action:  action,
		Sender:  c.userName,
		Payload: data,
	}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return messenger.Message{}, fmt.Errorf("failed to send %s: %w", action, err)
	}

	select {
	case response, ok := <-ch:
		if !ok {
			return messenger.Message{}, ErrConnectionClosed
		}
		return response, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return messenger.Message{}, fmt.Errorf("no response for %s: %w", action, ctx.Err())
	}
}

// Close stops the client. Requests still waiting for a response resolve
// with ErrConnectionClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = map[string]chan messenger.Message{}
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	return nil
}

func responseError(response messenger.Message) error {
	var payload messenger.ErrorPayload
	if err := json.Unmarshal(response.Payload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal error payload: %w", err)
	}
	return errors.New(payload.ErrorMessage)
}
