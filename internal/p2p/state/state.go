package state

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dealflow/offer-engine/internal/domain/offer"
	"github.com/dealflow/offer-engine/internal/infrastructure/memory"
	"github.com/dealflow/offer-engine/internal/p2p/protocol"
)

// ErrUntrustedKey rejects transactions signed by keys outside the allow list.
var ErrUntrustedKey = errors.New("tx signed by untrusted key")

type snapshot struct {
	Store     json.RawMessage `json:"store"`
	AppliedTx map[string]bool `json:"appliedTx"`
}

// Machine is the deterministic replicated offer state machine. Every node
// applies the same committed transactions to its own in-memory store.
type Machine struct {
	mu      sync.Mutex
	store   *memory.Store
	applied map[string]bool
	trusted map[string]struct{}
}

// NewMachine creates an empty machine. When trustedKeys is non-empty only
// transactions signed by one of those base64 ed25519 keys are applied.
func NewMachine(trustedKeys ...string) *Machine {
	m := &Machine{
		store:   memory.NewStore(),
		applied: map[string]bool{},
		trusted: map[string]struct{}{},
	}
	for _, k := range trustedKeys {
		if k = strings.TrimSpace(k); k != "" {
			m.trusted[k] = struct{}{}
		}
	}
	return m
}

// Store exposes the read side of the replicated state.
func (m *Machine) Store() *memory.Store {
	return m.store
}

// ApplyTx verifies and applies one transaction. Replays of an applied
// transaction are no-ops. Rejections are returned as *protocol.ApplyError.
func (m *Machine) ApplyTx(tx protocol.Tx) error {
	if err := tx.Verify(); err != nil {
		return protocol.NewApplyError(offer.Validationf("%v", err))
	}
	if err := m.checkKey(tx.PublicKey); err != nil {
		return protocol.NewApplyError(offer.Validationf("%v", err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied[tx.TxID] {
		return nil
	}
	switch tx.Op {
	case protocol.OpCommitMutation:
		mutation, err := protocol.DecodePayload[offer.Mutation](tx.Payload)
		if err != nil {
			return protocol.NewApplyError(offer.Validationf("decode mutation: %v", err))
		}
		if err := m.store.Apply(&mutation); err != nil {
			return protocol.NewApplyError(err)
		}
	default:
		return protocol.NewApplyError(offer.Validationf("unsupported op: %s", tx.Op))
	}
	m.applied[tx.TxID] = true
	return nil
}

func (m *Machine) checkKey(publicKey string) error {
	if len(m.trusted) == 0 {
		return nil
	}
	key := strings.TrimSpace(publicKey)
	if _, err := base64.StdEncoding.DecodeString(key); err != nil {
		return fmt.Errorf("invalid public_key: %w", err)
	}
	if _, ok := m.trusted[key]; !ok {
		return ErrUntrustedKey
	}
	return nil
}

// Marshal serializes the machine snapshot.
func (m *Machine) Marshal() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := m.store.Marshal()
	if err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(m.applied))
	for k, v := range m.applied {
		applied[k] = v
	}
	return json.Marshal(snapshot{Store: data, AppliedTx: applied})
}

// Unmarshal restores machine state from a snapshot payload.
func (m *Machine) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty snapshot")
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.AppliedTx == nil {
		s.AppliedTx = map[string]bool{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(s.Store) > 0 {
		if err := m.store.Unmarshal(s.Store); err != nil {
			return err
		}
	}
	m.applied = s.AppliedTx
	return nil
}

// Stats summarizes the replicated state.
type Stats struct {
	memory.Stats
	AppliedTx int `json:"appliedTx"`
}

func (m *Machine) StateStats() Stats {
	m.mu.Lock()
	applied := len(m.applied)
	m.mu.Unlock()
	return Stats{Stats: m.store.Stats(), AppliedTx: applied}
}
