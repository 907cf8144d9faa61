package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dealflow/offer-engine/internal/domain/negotiation"
	"github.com/dealflow/offer-engine/internal/domain/offer"
)

func TestTxSignAndVerify(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	root := uuid.New()
	ev, err := negotiation.Next(root, nil, negotiation.Draft{OfferID: root, Type: negotiation.EventComment, ActorID: "buyer-1"}, time.Now())
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	tx, err := NewCommitTx("node-1", &offer.Mutation{Events: []*negotiation.Event{ev}}, time.Now())
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	if tx.ChainRootID != root.String() {
		t.Fatalf("chain root not carried: %s", tx.ChainRootID)
	}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := tx.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}

	decoded, err := DecodePayload[offer.Mutation](tx.Payload)
	if err != nil || len(decoded.Events) != 1 || decoded.Events[0].Hash != ev.Hash {
		t.Fatalf("decode payload: %+v %v", decoded, err)
	}

	tx.Actor = "node-2"
	if err := tx.Verify(); err == nil {
		t.Fatalf("expected verify failure after tamper")
	}
}

func TestTxValidateBasic(t *testing.T) {
	tx := Tx{TxID: "tx-1", Nonce: "n", Actor: "node-1", Timestamp: time.Now(), Op: "DROP_TABLE", Payload: []byte(`{}`), PublicKey: "k", Signature: "s"}
	if err := tx.ValidateBasic(); err == nil {
		t.Fatalf("expected unsupported op error")
	}
	if _, err := NewCommitTx("node-1", nil, time.Now()); err == nil {
		t.Fatalf("expected error for nil mutation")
	}
}

func TestApplyErrorKeepsKind(t *testing.T) {
	err := NewApplyError(fmt.Errorf("%w: offer at version 3", offer.ErrConcurrentModification))
	if !errors.Is(err, offer.ErrConcurrentModification) {
		t.Fatalf("kind lost: %v", err)
	}
	if offer.KindOf(err) != offer.KindConcurrentModification {
		t.Fatalf("unexpected kind %s", offer.KindOf(err))
	}
	if NewApplyError(nil) != nil {
		t.Fatalf("nil error must stay nil")
	}
}
