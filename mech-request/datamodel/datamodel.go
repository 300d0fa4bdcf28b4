package datamodel

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// RequestID is the fixed-width on-chain identifier of a unit of work.
// It is opaque bytes; equality is byte equality, never numeric.
type RequestID [32]byte

func RequestIDFromBytes(b [32]byte) RequestID {
	return RequestID(b)
}

// ParseRequestID normalizes a hex rendering (with or without 0x, any case).
func ParseRequestID(s string) (RequestID, error) {
	var id RequestID

	s = strings.TrimPrefix(strings.ToLower(s), "0x")

	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid request id %q: %w", s, err)
	}

	if len(raw) != 32 {
		return id, fmt.Errorf("invalid request id length %d", len(raw))
	}

	copy(id[:], raw)

	return id, nil
}

// Hex is the normalized rendering: lowercase, no 0x prefix.
func (r RequestID) Hex() string {
	return hex.EncodeToString(r[:])
}

// Decimal is the rendering used for display and for content-store lookup
// paths under a delivery URL.
func (r RequestID) Decimal() string {
	return new(big.Int).SetBytes(r[:]).String()
}

func (r RequestID) Bytes32() [32]byte {
	return [32]byte(r)
}

// PaymentKind tags the worker's payment model; each kind carries its own
// balance-check/approval logic, dispatched once at request build time.
type PaymentKind string

const (
	PaymentNative       PaymentKind = "native"
	PaymentToken        PaymentKind = "token"
	PaymentSubscription PaymentKind = "subscription"
)

func ParsePaymentKind(s string) (PaymentKind, error) {
	switch PaymentKind(strings.ToLower(s)) {
	case PaymentNative:
		return PaymentNative, nil
	case PaymentToken:
		return PaymentToken, nil
	case PaymentSubscription:
		return PaymentSubscription, nil
	default:
		return "", fmt.Errorf("unknown payment kind %q", s)
	}
}

// RequestPayload is the content pinned to the store for one request.
type RequestPayload struct {
	Prompt string `json:"prompt"`
	Tool   string `json:"tool"`
	Nonce  string `json:"nonce"`
}

// RequestResult is the produced shape handed to the caller once the
// pipeline finishes; Deliveries may be a partial subset on timeout.
type RequestResult struct {
	TxHash     string                     `json:"txHash"`
	Status     string                     `json:"status"`
	RequestIds []string                   `json:"requestIds"`
	Deliveries map[string]string          `json:"deliveries"`
	Contents   map[string]json.RawMessage `json:"contents,omitempty"`
}

type DeliveryState int

const (
	StateUnassigned DeliveryState = iota
	StateAssigned
	StateDelivered
)

type deliveryEntry struct {
	state DeliveryState
	mech  common.Address
	url   string
}

// DeliveryRecord tracks each watched request id through
// Unassigned -> Assigned -> Delivered. Transitions are monotonic and happen
// at most once; the zero address never counts as an assignment.
type DeliveryRecord struct {
	mu      sync.Mutex
	entries map[RequestID]*deliveryEntry
}

func NewDeliveryRecord(requestIds []RequestID) *DeliveryRecord {
	entries := make(map[RequestID]*deliveryEntry, len(requestIds))
	for _, id := range requestIds {
		entries[id] = &deliveryEntry{state: StateUnassigned}
	}

	return &DeliveryRecord{entries: entries}
}

// Assign records the worker a request was matched to. Returns false when the
// id is not watched, the address is the unassigned sentinel, or the id has
// already left the unassigned state.
func (r *DeliveryRecord) Assign(id RequestID, mech common.Address) bool {
	if mech == (common.Address{}) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok || entry.state != StateUnassigned {
		return false
	}

	entry.state = StateAssigned
	entry.mech = mech

	return true
}

// Deliver records the delivered-content URL. Returns false unless the id is
// watched and currently assigned, so duplicate delivery logs are ignored and
// a delivery can never precede an assignment.
func (r *DeliveryRecord) Deliver(id RequestID, url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok || entry.state != StateAssigned {
		return false
	}

	entry.state = StateDelivered
	entry.url = url

	return true
}

func (r *DeliveryRecord) State(id RequestID) DeliveryState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[id]; ok {
		return entry.state
	}

	return StateUnassigned
}

// Unassigned returns the ids still waiting for a worker.
func (r *DeliveryRecord) Unassigned() []RequestID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]RequestID, 0, len(r.entries))
	for id, entry := range r.entries {
		if entry.state == StateUnassigned {
			ids = append(ids, id)
		}
	}

	return ids
}

// IdsByMech groups the assigned (not yet delivered) ids per distinct worker
// so the delivery scan runs once per worker, not once per id.
func (r *DeliveryRecord) IdsByMech() map[common.Address][]RequestID {
	r.mu.Lock()
	defer r.mu.Unlock()

	grouped := make(map[common.Address][]RequestID)
	for id, entry := range r.entries {
		if entry.state == StateAssigned {
			grouped[entry.mech] = append(grouped[entry.mech], id)
		}
	}

	return grouped
}

func (r *DeliveryRecord) AllAssigned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.entries {
		if entry.state == StateUnassigned {
			return false
		}
	}

	return true
}

// AllDeliveredFor reports whether every watched id assigned to the mech has
// a recorded delivery.
func (r *DeliveryRecord) AllDeliveredFor(mech common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.entries {
		if entry.mech == mech && entry.state == StateAssigned {
			return false
		}
	}

	return true
}

// DeliveredURLs returns the collected request id -> delivery URL mapping,
// keyed by the normalized hex rendering.
func (r *DeliveryRecord) DeliveredURLs() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	urls := make(map[string]string)
	for id, entry := range r.entries {
		if entry.state == StateDelivered {
			urls[id.Hex()] = entry.url
		}
	}

	return urls
}
