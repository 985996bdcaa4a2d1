package operator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/depools/joinmix/common"
	"github.com/depools/joinmix/enclave"
	"github.com/depools/joinmix/ledger"
	"github.com/depools/joinmix/messenger"
	"github.com/depools/joinmix/operator/api/dto"
	"github.com/depools/joinmix/operator/modules/state"
	"github.com/depools/joinmix/operator/repositories/deposit"
	"github.com/depools/joinmix/operator/services/deal"
)

const (
	pollingPeriod = time.Second

	// One QuorumRace retry is enough under the bucket lock; more would
	// mask a real consistency problem.
	quorumRaceRetries = 1

	// Transient ledger faults get a short linear backoff before the
	// failure surfaces on the fault channel.
	ledgerRetries      = 2
	ledgerRetryBackoff = 500 * time.Millisecond
)

// Fault is an operational failure from the asynchronous deal-processing
// tail. The submitting client already got its acknowledgment, so these
// surface on a channel for the operator's alerting, never on the client
// protocol.
type Fault struct {
	AmountWei *big.Int
	Err       error
}

// Operator is the session hub: it consumes client requests from the
// coordination log, drives the deal service, and fans out broadcasts.
type Operator struct {
	Logger common.Logger

	messenger   messenger.Messenger
	state       state.State
	dealService deal.DealService
	enclave     enclave.Enclave

	canonicalAmountWei *big.Int

	faults chan Fault
}

func NewOperator(
	logger common.Logger,
	msgr messenger.Messenger,
	st state.State,
	dealService deal.DealService,
	encl enclave.Enclave,
	canonicalAmountWei *big.Int,
) *Operator {
	return &Operator{
		Logger:             logger,
		messenger:          msgr,
		state:              st,
		dealService:        dealService,
		enclave:            encl,
		canonicalAmountWei: canonicalAmountWei,
		faults:             make(chan Fault, 64),
	}
}

// Faults exposes the operational fault channel.
func (o *Operator) Faults() <-chan Fault {
	return o.faults
}

// AnnounceParams publishes the public parameters clients need before
// they can submit: the backend's encryption key and the threshold.
func (o *Operator) AnnounceParams(ctx context.Context) error {
	pubKey, err := o.enclave.PublicKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch enclave public key: %w", err)
	}

	if err := o.broadcast(messenger.ActionPubKeyUpdate, messenger.PubKeyPayload{PubKey: pubKey}); err != nil {
		return err
	}
	if err := o.broadcast(messenger.ActionThresholdUpdate, messenger.ThresholdPayload{
		Threshold: o.dealService.Threshold(),
	}); err != nil {
		return err
	}
	return o.broadcastQuorum()
}

// Poll consumes the coordination log until the context is canceled.
func (o *Operator) Poll(ctx context.Context) error {
	tk := time.NewTicker(pollingPeriod)
	defer tk.Stop()
	for {
		select {
		case <-tk.C:
			offset, err := o.state.LoadOffset()
			if err != nil {
				return fmt.Errorf("failed to LoadOffset: %w", err)
			}

			messages, err := o.messenger.GetMessages(offset)
			if err != nil {
				return fmt.Errorf("failed to GetMessages: %w", err)
			}

			for _, message := range messages {
				if message.IsRequest() {
					if err := o.ProcessMessage(ctx, message); err != nil {
						o.Logger.Log("failed to process message with offset %d: %v", message.Offset, err)
					}
				}

				if err := o.state.SaveOffset(message.Offset + 1); err != nil {
					return fmt.Errorf("failed to SaveOffset: %w", err)
				}
			}
		case <-ctx.Done():
			o.Logger.Log("context canceled, stopping the operator poller")
			return nil
		}
	}
}

// ProcessMessage maps one inbound request to one deal service call and
// one correlated response.
func (o *Operator) ProcessMessage(ctx context.Context, message messenger.Message) error {
	switch message.Action {
	case messenger.ActionSubmitDepositMetadata:
		return o.handleSubmitDepositMetadata(ctx, message)
	case messenger.ActionFetchFillableDeposits:
		return o.handleFetchFillableDeposits(message)
	case messenger.ActionFetchQuorum:
		return o.handleFetchQuorum(message)
	default:
		return fmt.Errorf("unexpected request action %s", message.Action)
	}
}

func (o *Operator) handleSubmitDepositMetadata(ctx context.Context, message messenger.Message) error {
	var payload messenger.SubmitDepositMetadataPayload
	if err := json.Unmarshal(message.Payload, &payload); err != nil {
		return o.replyError(message, messenger.ActionSubmitDepositMetadataError,
			fmt.Errorf("failed to unmarshal payload: %v", err))
	}

	stored, err := o.dealService.RegisterDeposit(&dto.DepositMetadataDTO{
		Sender:             payload.Sender,
		AmountWei:          payload.AmountWei,
		PubKey:             payload.PubKey,
		EncryptedRecipient: payload.EncryptedRecipient,
	})
	if err != nil {
		// Rejected or not, the submitter always gets a correlated
		// answer instead of waiting out its deadline.
		replyErr := o.replyError(message, messenger.ActionSubmitDepositMetadataError, err)
		if errors.Is(err, deal.ErrInvalidDeposit) || errors.Is(err, deposit.ErrDuplicateDeposit) {
			return replyErr
		}
		if replyErr != nil {
			o.Logger.Log("failed to reply with the registration error: %v", replyErr)
		}
		return err
	}

	o.Logger.Log("registered deposit %s: %s wei from %s", stored.ID, stored.AmountWei, stored.Sender.Hex())

	if err := o.reply(message, messenger.ActionSubmitDepositMetadataSuccess, true); err != nil {
		return err
	}

	if err := o.broadcastQuorum(); err != nil {
		return err
	}

	// The acknowledgment is already on the log: the deal-processing
	// tail must not fail the submission, so it runs detached and
	// reports through the fault channel.
	go o.ProcessDealFlow(ctx, stored.AmountWei)

	return nil
}

func (o *Operator) handleFetchFillableDeposits(message messenger.Message) error {
	var payload messenger.FetchFillablePayload
	if err := json.Unmarshal(message.Payload, &payload); err != nil {
		return o.replyError(message, messenger.ActionFetchFillableError,
			fmt.Errorf("failed to unmarshal payload: %v", err))
	}

	fillable, err := o.dealService.FetchFillableDeposits(payload.MinAmountWei)
	if err != nil {
		return o.replyError(message, messenger.ActionFetchFillableError, err)
	}

	return o.reply(message, messenger.ActionFetchFillableSuccess, fillable)
}

func (o *Operator) handleFetchQuorum(message messenger.Message) error {
	quorum, err := o.dealService.Quorum(o.canonicalAmountWei)
	if err != nil {
		if replyErr := o.replyError(message, messenger.ActionFetchQuorumError, err); replyErr != nil {
			o.Logger.Log("failed to reply with the quorum error: %v", replyErr)
		}
		return err
	}

	return o.reply(message, messenger.ActionFetchQuorumSuccess, messenger.QuorumPayload{
		AmountWei: o.canonicalAmountWei,
		Quorum:    quorum,
	})
}

// ProcessDealFlow attempts deal creation for the bucket and, when a
// deal results, runs it to execution with the matching broadcasts.
func (o *Operator) ProcessDealFlow(ctx context.Context, amountWei *big.Int) {
	createdDeal, err := o.createWithRetry(ctx, amountWei)
	if err != nil {
		o.fault(amountWei, err)
		return
	}
	if createdDeal == nil {
		return
	}

	o.Logger.Log("created deal %s with %d participants at %s wei",
		createdDeal.DealID.Hex(), createdDeal.NumParticipants, createdDeal.DepositInWei)

	if err := o.broadcast(messenger.ActionDealCreatedUpdate, createdDeal); err != nil {
		o.fault(amountWei, err)
		return
	}

	// The post-creation quorum broadcast carries the shrunk pool; the
	// zero-after-creation invariant itself is enforced inside the deal
	// service's critical section.
	if err := o.broadcastQuorum(); err != nil {
		o.fault(amountWei, err)
		return
	}

	executedDeal, err := o.executeWithRetry(ctx, createdDeal)
	if err != nil {
		o.fault(amountWei, fmt.Errorf("deal %s: %w", createdDeal.DealID.Hex(), err))
		return
	}

	o.Logger.Log("executed deal %s", executedDeal.DealID.Hex())

	if err := o.broadcast(messenger.ActionDealExecutedUpdate, executedDeal); err != nil {
		o.fault(amountWei, err)
	}
}

func (o *Operator) createWithRetry(ctx context.Context, amountWei *big.Int) (*ledger.Deal, error) {
	var raceAttempts, ledgerAttempts int
	for {
		createdDeal, err := o.dealService.CreateDealIfQuorumReached(ctx, amountWei)
		if err == nil {
			return createdDeal, nil
		}

		switch {
		// The losing side of a race re-evaluates quorum: its deposits
		// are still valid and pending.
		case errors.Is(err, deal.ErrQuorumRace):
			if raceAttempts >= quorumRaceRetries {
				return nil, err
			}
			raceAttempts++
		case errors.Is(err, deal.ErrLedger):
			if ledgerAttempts >= ledgerRetries {
				return nil, err
			}
			ledgerAttempts++
			if waitErr := o.backoff(ctx, ledgerAttempts); waitErr != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}

// executeWithRetry retries transient settlement faults; an execution
// failure goes straight to the fault channel, the deal stays Created
// for the manual retry path.
func (o *Operator) executeWithRetry(ctx context.Context, createdDeal *ledger.Deal) (*ledger.Deal, error) {
	var ledgerAttempts int
	for {
		executedDeal, err := o.dealService.ExecuteDeal(ctx, createdDeal)
		if err == nil {
			return executedDeal, nil
		}
		if !errors.Is(err, deal.ErrLedger) || ledgerAttempts >= ledgerRetries {
			return nil, err
		}
		ledgerAttempts++
		if waitErr := o.backoff(ctx, ledgerAttempts); waitErr != nil {
			return nil, err
		}
	}
}

func (o *Operator) backoff(ctx context.Context, attempt int) error {
	select {
	case <-time.After(time.Duration(attempt) * ledgerRetryBackoff):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Operator) broadcastQuorum() error {
	quorum, err := o.dealService.Quorum(o.canonicalAmountWei)
	if err != nil {
		return err
	}

	return o.broadcast(messenger.ActionQuorumUpdate, messenger.QuorumPayload{
		AmountWei: o.canonicalAmountWei,
		Quorum:    quorum,
	})
}

func (o *Operator) broadcast(action messenger.Action, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", action, err)
	}

	if _, err := o.messenger.Send(messenger.Message{
		Action:  action,
		Sender:  "operator",
		Payload: data,
	}); err != nil {
		return fmt.Errorf("failed to broadcast %s: %w", action, err)
	}
	return nil
}

func (o *Operator) reply(request messenger.Message, action messenger.Action, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", action, err)
	}

	if _, err := o.messenger.Send(messenger.Message{
		CorrelationID: request.ID,
		Action:        action,
		Sender:        "operator",
		Payload:       data,
	}); err != nil {
		return fmt.Errorf("failed to reply %s: %w", action, err)
	}
	return nil
}

func (o *Operator) replyError(request messenger.Message, action messenger.Action, cause error) error {
	return o.reply(request, action, messenger.ErrorPayload{ErrorMessage: cause.Error()})
}

func (o *Operator) fault(amountWei *big.Int, err error) {
	o.Logger.Log("deal processing fault for bucket %s: %v", amountWei, err)
	select {
	case o.faults <- Fault{AmountWei: amountWei, Err: err}:
	default:
		o.Logger.Log("fault channel full, fault kept in logs only")
	}
}
