package protocol

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dealflow/offer-engine/internal/domain/offer"
)

// Operation defines supported replicated writes.
type Operation string

const (
	// OpCommitMutation carries one atomic offer store write.
	OpCommitMutation Operation = "COMMIT_MUTATION"
)

var validOps = map[Operation]struct{}{
	OpCommitMutation: {},
}

// Tx is the signed, replicated command envelope.
type Tx struct {
	TxID        string          `json:"tx_id"`
	ChainRootID string          `json:"chain_root_id,omitempty"`
	Nonce       string          `json:"nonce"`
	Timestamp   time.Time       `json:"timestamp"`
	Actor       string          `json:"actor"`
	Op          Operation       `json:"op"`
	Payload     json.RawMessage `json:"payload"`
	PublicKey   string          `json:"public_key"` // base64 raw ed25519 public key
	Signature   string          `json:"signature"`  // base64 raw signature
}

type txSignable struct {
	TxID        string          `json:"tx_id"`
	ChainRootID string          `json:"chain_root_id,omitempty"`
	Nonce       string          `json:"nonce"`
	Timestamp   time.Time       `json:"timestamp"`
	Actor       string          `json:"actor"`
	Op          Operation       `json:"op"`
	Payload     json.RawMessage `json:"payload"`
	PublicKey   string          `json:"public_key"`
}

// NewCommitTx wraps a mutation in an unsigned commit envelope.
func NewCommitTx(actor string, m *offer.Mutation, now time.Time) (Tx, error) {
	if m == nil {
		return Tx{}, errors.New("mutation is required")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return Tx{}, err
	}
	tx := Tx{
		TxID:      uuid.NewString(),
		Nonce:     uuid.NewString(),
		Timestamp: now.UTC(),
		Actor:     actor,
		Op:        OpCommitMutation,
		Payload:   payload,
	}
	if root := chainOf(m); root != uuid.Nil {
		tx.ChainRootID = root.String()
	}
	return tx, nil
}

func chainOf(m *offer.Mutation) uuid.UUID {
	switch {
	case len(m.Events) > 0:
		return m.Events[0].ChainRootID
	case len(m.Creates) > 0:
		return m.Creates[0].ChainRootID
	case len(m.Updates) > 0 && m.Updates[0].Offer != nil:
		return m.Updates[0].Offer.ChainRootID
	}
	return uuid.Nil
}

// CanonicalBytes returns the deterministic signing payload.
func (t Tx) CanonicalBytes() ([]byte, error) {
	signable := txSignable{
		TxID:        strings.TrimSpace(t.TxID),
		ChainRootID: strings.TrimSpace(t.ChainRootID),
		Nonce:       strings.TrimSpace(t.Nonce),
		Timestamp:   t.Timestamp.UTC(),
		Actor:       strings.TrimSpace(t.Actor),
		Op:          t.Op,
		Payload:     t.Payload,
		PublicKey:   strings.TrimSpace(t.PublicKey),
	}
	return json.Marshal(signable)
}

// ValidateBasic checks required immutable tx fields.
func (t Tx) ValidateBasic() error {
	if strings.TrimSpace(t.TxID) == "" {
		return errors.New("tx_id is required")
	}
	if strings.TrimSpace(t.Nonce) == "" {
		return errors.New("nonce is required")
	}
	if strings.TrimSpace(t.Actor) == "" {
		return errors.New("actor is required")
	}
	if t.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if _, ok := validOps[t.Op]; !ok {
		return fmt.Errorf("unsupported op: %s", t.Op)
	}
	if len(t.Payload) == 0 {
		return errors.New("payload is required")
	}
	if strings.TrimSpace(t.PublicKey) == "" {
		return errors.New("public_key is required")
	}
	if strings.TrimSpace(t.Signature) == "" {
		return errors.New("signature is required")
	}
	return nil
}

// Sign sets tx public key/signature for the given private key.
func (t *Tx) Sign(privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return errors.New("invalid private key")
	}
	t.PublicKey = base64.StdEncoding.EncodeToString(privateKey.Public().(ed25519.PublicKey))
	payload, err := t.CanonicalBytes()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(privateKey, payload)
	t.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify validates tx signature using included public key.
func (t Tx) Verify() error {
	if err := t.ValidateBasic(); err != nil {
		return err
	}
	pubRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(t.PublicKey))
	if err != nil {
		return fmt.Errorf("invalid public_key: %w", err)
	}
	if len(pubRaw) != ed25519.PublicKeySize {
		return errors.New("invalid public_key size")
	}
	sigRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(t.Signature))
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if len(sigRaw) != ed25519.SignatureSize {
		return errors.New("invalid signature size")
	}
	payload, err := t.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pubRaw), payload, sigRaw) {
		return errors.New("signature verification failed")
	}
	return nil
}

// DecodePayload decodes operation payloads.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// ApplyError carries a replicated apply failure back to the submitter with
// its error kind, so callers can still match the offer sentinel errors.
type ApplyError struct {
	Kind    offer.Kind `json:"kind"`
	Message string     `json:"message"`
}

func (e *ApplyError) Error() string { return e.Message }

func (e *ApplyError) Unwrap() error {
	switch e.Kind {
	case offer.KindValidation:
		return offer.ErrValidation
	case offer.KindNotFound:
		return offer.ErrNotFound
	case offer.KindConcurrentModification:
		return offer.ErrConcurrentModification
	}
	return nil
}

// NewApplyError classifies err for transport through the raft log.
func NewApplyError(err error) *ApplyError {
	if err == nil {
		return nil
	}
	return &ApplyError{Kind: offer.KindOf(err), Message: err.Error()}
}
