package messenger

import (
	"math/big"
)

// Action names one operator/client protocol message type.
type Action string

// Operator -> client broadcasts.
const (
	ActionPubKeyUpdate       Action = "pubKeyUpdate"
	ActionThresholdUpdate    Action = "thresholdUpdate"
	ActionQuorumUpdate       Action = "quorumUpdate"
	ActionDealCreatedUpdate  Action = "dealCreatedUpdate"
	ActionDealExecutedUpdate Action = "dealExecutedUpdate"
)

// Client -> operator requests and their correlated responses.
const (
	ActionSubmitDepositMetadata        Action = "submitDepositMetadata"
	ActionSubmitDepositMetadataSuccess Action = "submitDepositMetadataSuccess"
	ActionSubmitDepositMetadataError   Action = "submitDepositMetadataError"
	ActionFetchFillableDeposits        Action = "fetchFillableDeposits"
	ActionFetchFillableSuccess         Action = "fetchFillableSuccess"
	ActionFetchFillableError           Action = "fetchFillableError"
	ActionFetchQuorum                  Action = "fetchQuorum"
	ActionFetchQuorumSuccess           Action = "fetchQuorumSuccess"
	ActionFetchQuorumError             Action = "fetchQuorumError"
)

// Message is a single record on the append-only coordination log.
// Responses carry the ID of the request they answer in CorrelationID;
// broadcasts leave it empty. Per-request correlation is what lets two
// concurrent calls of the same request type resolve independently.
type Message struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Action        Action `json:"action"`
	Sender        string `json:"sender"`
	Payload       []byte `json:"payload"`
	Signature     []byte `json:"signature,omitempty"`
	Offset        uint64 `json:"offset"`
}

// Bytes returns the signable portion of the message.
func (m *Message) Bytes() []byte {
	out := make([]byte, 0, len(m.ID)+len(m.CorrelationID)+len(m.Action)+len(m.Sender)+len(m.Payload))
	out = append(out, m.ID...)
	out = append(out, m.CorrelationID...)
	out = append(out, m.Action...)
	out = append(out, m.Sender...)
	out = append(out, m.Payload...)
	return out
}

func (m *Message) IsBroadcast() bool {
	switch m.Action {
	case ActionPubKeyUpdate, ActionThresholdUpdate, ActionQuorumUpdate,
		ActionDealCreatedUpdate, ActionDealExecutedUpdate:
		return true
	}
	return false
}

func (m *Message) IsRequest() bool {
	switch m.Action {
	case ActionSubmitDepositMetadata, ActionFetchFillableDeposits, ActionFetchQuorum:
		return true
	}
	return false
}

// Messenger is the transport shared by the operator and its clients.
// Send assigns the message an ID (when empty) and an offset; GetMessages
// returns every message at or past the given offset in log order.
type Messenger interface {
	Send(message Message) (Message, error)
	GetMessages(offset uint64) ([]Message, error)
	Close() error
}

// Typed payloads carried in Message.Payload as JSON.

type PubKeyPayload struct {
	PubKey []byte `json:"pub_key"`
}

type ThresholdPayload struct {
	Threshold int `json:"threshold"`
}

type QuorumPayload struct {
	AmountWei *big.Int `json:"amount_wei"`
	Quorum    int      `json:"quorum"`
}

type SubmitDepositMetadataPayload struct {
	Sender             string   `json:"sender"`
	AmountWei          *big.Int `json:"amount_wei"`
	PubKey             []byte   `json:"pub_key"`
	EncryptedRecipient []byte   `json:"encrypted_recipient"`
}

type FetchFillablePayload struct {
	MinAmountWei *big.Int `json:"min_amount_wei"`
}

type ErrorPayload struct {
	ErrorMessage string `json:"error_message"`
}
