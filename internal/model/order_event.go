// Package model holds the data types shared across the collection
// pipeline: order events, checkpoints and workflow state snapshots.
package model

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/holiman/uint256"
	"github.com/mr-tron/base58"
)

// EventType distinguishes the two halves of an order's lifecycle.
type EventType string

const (
	EventCreated   EventType = "created"
	EventFulfilled EventType = "fulfilled"
)

// Valid reports whether t is one of the two recognized event types.
func (t EventType) Valid() bool {
	return t == EventCreated || t == EventFulfilled
}

// OrderEvent is the row shape of the `orders` table. Only the fields
// relevant to EventType are populated; the rest are left at their zero
// value. OrderEvent is immutable once constructed.
type OrderEvent struct {
	OrderID   [32]byte
	EventType EventType
	Signature string
	Slot      uint64
	BlockTime time.Time
	Version   int64 // tie-break for ReplacingMergeTree, defaults to insert-time unix seconds

	// created-only
	Maker             string
	GiveTokenAddress  string
	GiveTokenSymbol   string
	GiveAmount        *uint256.Int
	GiveAmountUSD     float64
	GiveChainID       *uint64
	TakeTokenAddress  string
	TakeTokenSymbol   string
	TakeAmount        *uint256.Int
	TakeAmountUSD     float64
	TakeChainID       *uint64
	Receiver          string

	// fulfilled-only
	Taker             string
	FulfilledAmount   *uint256.Int
	FulfilledAmountUSD float64

	// observability only, never read back
	PriceStale bool
}

// Key identifies the dedup/merge key used by the orders table.
type Key struct {
	Signature string
	EventType EventType
}

func (e *OrderEvent) Key() Key {
	return Key{Signature: e.Signature, EventType: e.EventType}
}

// OrderIDHex returns the lowercase hex encoding of OrderID.
func (e *OrderEvent) OrderIDHex() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, 64)
	for i, b := range e.OrderID {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

// OrderIDBase58 returns OrderID in the base58 encoding Solana tooling
// conventionally displays account-sized byte arrays in, matching how
// the order ID appears in DLN explorer links.
func (e *OrderEvent) OrderIDBase58() string {
	return base58.Encode(e.OrderID[:])
}

// orderEventWire is the JSON wire shape: OrderID is rendered as the
// lowercase hex string spec §3 specifies for the canonical order_id
// field. OrderIDBase58 rides alongside as a display convenience for
// clients that want the Solana-native encoding (e.g. linking out to
// DLN's explorer), but is never the field consumers should parse.
type orderEventWire struct {
	OrderID            string    `json:"orderId"`
	OrderIDBase58      string    `json:"orderIdBase58"`
	EventType          EventType `json:"eventType"`
	Signature          string    `json:"signature"`
	Slot               uint64    `json:"slot"`
	BlockTime          time.Time `json:"blockTime"`
	Version            int64     `json:"version"`
	Maker              string    `json:"maker,omitempty"`
	GiveTokenAddress   string    `json:"giveTokenAddress,omitempty"`
	GiveTokenSymbol    string    `json:"giveTokenSymbol,omitempty"`
	GiveAmount         string    `json:"giveAmount,omitempty"`
	GiveAmountUSD      float64   `json:"giveAmountUsd,omitempty"`
	GiveChainID        *uint64   `json:"giveChainId,omitempty"`
	TakeTokenAddress   string    `json:"takeTokenAddress,omitempty"`
	TakeTokenSymbol    string    `json:"takeTokenSymbol,omitempty"`
	TakeAmount         string    `json:"takeAmount,omitempty"`
	TakeAmountUSD      float64   `json:"takeAmountUsd,omitempty"`
	TakeChainID        *uint64   `json:"takeChainId,omitempty"`
	Receiver           string    `json:"receiver,omitempty"`
	Taker              string    `json:"taker,omitempty"`
	FulfilledAmount    string    `json:"fulfilledAmount,omitempty"`
	FulfilledAmountUSD float64   `json:"fulfilledAmountUsd,omitempty"`
	PriceStale         bool      `json:"priceStale,omitempty"`
}

func (e *OrderEvent) MarshalJSON() ([]byte, error) {
	w := orderEventWire{
		OrderID:            e.OrderIDHex(),
		OrderIDBase58:      e.OrderIDBase58(),
		EventType:          e.EventType,
		Signature:          e.Signature,
		Slot:               e.Slot,
		BlockTime:          e.BlockTime,
		Version:            e.Version,
		Maker:              e.Maker,
		GiveTokenAddress:   e.GiveTokenAddress,
		GiveTokenSymbol:    e.GiveTokenSymbol,
		GiveAmountUSD:      e.GiveAmountUSD,
		GiveChainID:        e.GiveChainID,
		TakeTokenAddress:   e.TakeTokenAddress,
		TakeTokenSymbol:    e.TakeTokenSymbol,
		TakeAmountUSD:      e.TakeAmountUSD,
		TakeChainID:        e.TakeChainID,
		Receiver:           e.Receiver,
		Taker:              e.Taker,
		FulfilledAmountUSD: e.FulfilledAmountUSD,
		PriceStale:         e.PriceStale,
	}
	if e.GiveAmount != nil {
		w.GiveAmount = e.GiveAmount.String()
	}
	if e.TakeAmount != nil {
		w.TakeAmount = e.TakeAmount.String()
	}
	if e.FulfilledAmount != nil {
		w.FulfilledAmount = e.FulfilledAmount.String()
	}
	return json.Marshal(w)
}

// UnmarshalJSON reverses MarshalJSON, decoding orderId from hex.
func (e *OrderEvent) UnmarshalJSON(data []byte) error {
	type plain OrderEvent
	aux := struct {
		*plain
		OrderID string `json:"orderId"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	id, err := hex.DecodeString(aux.OrderID)
	copy(e.OrderID[:], id)
	return err
}
