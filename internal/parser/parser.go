// Package parser extracts order-creation and order-fulfillment events
// from fetched Solana transactions: log-based order-ID extraction,
// balance-delta amount extraction, and token resolution via the
// configured token directory.
package parser

import (
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/holiman/uint256"

	"github.com/dlncollector/backfill/internal/fetcher"
	"github.com/dlncollector/backfill/internal/model"
	"github.com/dlncollector/backfill/internal/tokendir"
)

var orderIDRegexp = regexp.MustCompile(`(?i)order[_ ]?id[:\s]+([0-9a-f]{64})`)

const (
	orderIDOffsetStart = 8
	orderIDOffsetEnd   = 40
)

var stablecoins = map[string]bool{
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": true, // USDC
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": true, // USDT
}

// Parser is stateless except for the process-wide Stats counter.
type Parser struct {
	dir   tokendir.Directory
	stats *Stats
}

func New(dir tokendir.Directory) *Parser {
	return &Parser{dir: dir, stats: NewStats()}
}

func (p *Parser) Stats() *Stats { return p.stats }

// Parse extracts zero or more OrderEvent values from tx given the
// program being watched and whether it is being watched as the
// source (event type created) or destination (fulfilled) program.
// A panic or logic failure inside a single transaction increments
// Failed and is swallowed: Parse never returns an error that would
// abort the caller's batch.
func (p *Parser) Parse(tx *fetcher.FetchResult, programID string, eventType model.EventType) (events []*model.OrderEvent, err error) {
	p.stats.recordTotal()
	defer func() {
		if r := recover(); r != nil {
			p.stats.recordFailed()
			events, err = nil, nil
		}
	}()

	if tx == nil {
		return nil, nil
	}

	orderID, payload, ok := extractOrderID(tx.LogMessages, programID)
	if !ok {
		p.stats.recordSuccess(0)
		return nil, nil
	}
	if !programReferenced(tx, programID) {
		p.stats.recordSuccess(0)
		return nil, nil
	}

	signer := firstSigner(tx.Transaction)

	var event *model.OrderEvent
	switch eventType {
	case model.EventCreated:
		event = p.buildCreated(tx, orderID, payload, signer)
	case model.EventFulfilled:
		event = p.buildFulfilled(tx, orderID, signer)
	default:
		p.stats.recordSuccess(0)
		return nil, nil
	}

	p.stats.recordSuccess(1)
	return []*model.OrderEvent{event}, nil
}

// extractOrderID walks the log lines maintaining the "inside target
// program" window toggled by invoke/success|failed markers, matching
// spec §4.3's event-ID extraction rule.
func extractOrderID(logs []string, programID string) (id [32]byte, payload []byte, ok bool) {
	inside := false
	invokeMarker := "Program " + programID + " invoke"
	successMarker := "Program " + programID + " success"
	failedPrefix := "Program " + programID + " failed"

	for _, line := range logs {
		switch {
		case strings.HasPrefix(line, invokeMarker):
			inside = true
			continue
		case strings.HasPrefix(line, successMarker), strings.HasPrefix(line, failedPrefix):
			inside = false
			continue
		}
		if !inside {
			continue
		}

		if strings.HasPrefix(line, "Program data:") {
			encoded := strings.TrimSpace(strings.TrimPrefix(line, "Program data:"))
			raw, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil || len(raw) < orderIDOffsetEnd {
				continue
			}
			var candidate [32]byte
			copy(candidate[:], raw[orderIDOffsetStart:orderIDOffsetEnd])
			if !isAllZero(candidate) {
				return candidate, raw, true
			}
			continue
		}

		if m := orderIDRegexp.FindStringSubmatch(line); m != nil {
			raw, err := hex.DecodeString(m[1])
			if err != nil || len(raw) != 32 {
				continue
			}
			var candidate [32]byte
			copy(candidate[:], raw)
			if !isAllZero(candidate) {
				return candidate, nil, true
			}
		}
	}
	return [32]byte{}, nil, false
}

func isAllZero(b [32]byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// programReferenced reports whether programID appears as an outer or
// inner instruction's program, per §4.3's binding.
func programReferenced(tx *fetcher.FetchResult, programID string) bool {
	if tx.Transaction == nil {
		return false
	}
	target, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return false
	}

	keys := accountKeys(tx)
	for _, ix := range tx.Transaction.Message.Instructions {
		if int(ix.ProgramIDIndex) < len(keys) && keys[ix.ProgramIDIndex].Equals(target) {
			return true
		}
	}
	if tx.Meta == nil {
		return false
	}
	for _, inner := range tx.Meta.InnerInstructions {
		for _, ix := range inner.Instructions {
			if int(ix.ProgramIDIndex) < len(keys) && keys[ix.ProgramIDIndex].Equals(target) {
				return true
			}
		}
	}
	return false
}

// accountKeys returns the transaction's static account keys extended
// with any addresses loaded via address-lookup tables (versioned
// transactions), matching §4.3's binding note.
func accountKeys(tx *fetcher.FetchResult) []solana.PublicKey {
	keys := append([]solana.PublicKey{}, tx.Transaction.Message.AccountKeys...)
	if tx.Meta == nil {
		return keys
	}
	keys = append(keys, tx.Meta.LoadedAddresses.Writable...)
	keys = append(keys, tx.Meta.LoadedAddresses.ReadOnly...)
	return keys
}

func firstSigner(tx *solana.Transaction) string {
	if tx == nil || len(tx.Message.AccountKeys) == 0 {
		return ""
	}
	return tx.Message.AccountKeys[0].String()
}

// balanceDelta is one token account's pre/post balance change.
type balanceDelta struct {
	mint   string
	amount *uint256.Int // absolute value
	signed int          // -1, 0, +1
}

// largestBalanceDeltas returns balance changes ordered by descending
// absolute magnitude. A token account present only in post balances
// is a newly created account and counts as a full positive change
// from zero, per §4.3. Callers take the largest change as the order
// amount; on a multi-leg transaction that change may belong to a
// different leg than the order's own transfer.
func largestBalanceDeltas(meta *rpc.TransactionMeta) []balanceDelta {
	if meta == nil {
		return nil
	}
	pre := make(map[uint16]rpc.TokenBalance, len(meta.PreTokenBalances))
	for _, b := range meta.PreTokenBalances {
		pre[b.AccountIndex] = b
	}

	var deltas []balanceDelta
	for _, post := range meta.PostTokenBalances {
		postAmt := parseUint256(post.UiTokenAmount.Amount)
		preBal, existed := pre[post.AccountIndex]
		var preAmt *uint256.Int
		if existed {
			preAmt = parseUint256(preBal.UiTokenAmount.Amount)
		} else {
			preAmt = uint256.NewInt(0)
		}

		diff := new(uint256.Int)
		signed := 0
		switch {
		case postAmt.Gt(preAmt):
			diff.Sub(postAmt, preAmt)
			signed = 1
		case preAmt.Gt(postAmt):
			diff.Sub(preAmt, postAmt)
			signed = -1
		default:
			continue
		}
		deltas = append(deltas, balanceDelta{mint: post.Mint.String(), amount: diff, signed: signed})
	}

	sortDeltasDescending(deltas)
	return deltas
}

func sortDeltasDescending(deltas []balanceDelta) {
	for i := 1; i < len(deltas); i++ {
		for j := i; j > 0 && deltas[j].amount.Gt(deltas[j-1].amount); j-- {
			deltas[j], deltas[j-1] = deltas[j-1], deltas[j]
		}
	}
}

func parseUint256(s string) *uint256.Int {
	v := new(uint256.Int)
	if s == "" {
		return v
	}
	if err := v.SetFromDecimal(s); err != nil {
		return uint256.NewInt(0)
	}
	return v
}

func (p *Parser) resolveToken(mint string) (symbol string, decimals uint8, usd func(amount *uint256.Int) float64, stale bool) {
	entry, stale, ok := p.dir.Lookup(mint)
	if !ok {
		p.stats.recordUnknownToken(mint)
		if stablecoins[mint] {
			return "", 6, func(amount *uint256.Int) float64 { return scaledFloat(amount, 6) }, true
		}
		return "", 0, func(*uint256.Int) float64 { return 0 }, true
	}
	return entry.Symbol, entry.Decimals, func(amount *uint256.Int) float64 {
		return scaledFloat(amount, entry.Decimals) * entry.PriceUSD
	}, stale
}

func scaledFloat(amount *uint256.Int, decimals uint8) float64 {
	if amount == nil {
		return 0
	}
	v, _ := strconv.ParseFloat(amount.Dec(), 64)
	for i := uint8(0); i < decimals; i++ {
		v /= 10
	}
	return v
}

// chainIDFromPayload reads a 32-byte big-endian field immediately
// following the order ID in a `Program data:` payload and narrows it
// to *uint64, coercing to nil on overflow per Open Question (c):
// some chain-ID encodings in the raw instruction are wider than the
// 64-bit storage column.
func chainIDFromPayload(raw []byte, fieldOffset int) *uint64 {
	end := fieldOffset + 32
	if end > len(raw) {
		return nil
	}
	v := new(uint256.Int).SetBytes(raw[fieldOffset:end])
	if !v.IsUint64() {
		return nil
	}
	id := v.Uint64()
	return &id
}

func (p *Parser) buildCreated(tx *fetcher.FetchResult, orderID [32]byte, payload []byte, maker string) *model.OrderEvent {
	deltas := largestBalanceDeltas(tx.Meta)

	ev := &model.OrderEvent{
		OrderID:   orderID,
		EventType: model.EventCreated,
		Signature: tx.Signature,
		Slot:      tx.Slot,
		BlockTime: tx.BlockTime,
		Maker:     maker,
	}

	if payload != nil {
		ev.GiveChainID = chainIDFromPayload(payload, orderIDOffsetEnd)
		ev.TakeChainID = chainIDFromPayload(payload, orderIDOffsetEnd+32)
	}

	if len(deltas) > 0 {
		give := deltas[0]
		symbol, decimals, usd, stale := p.resolveToken(give.mint)
		ev.GiveTokenAddress = give.mint
		ev.GiveTokenSymbol = symbol
		ev.GiveAmount = give.amount
		ev.GiveAmountUSD = usd(give.amount)
		ev.PriceStale = ev.PriceStale || stale
		_ = decimals
	}
	if len(deltas) > 1 {
		take := pickDifferentMint(deltas, deltas[0].mint)
		if take != nil {
			symbol, decimals, usd, stale := p.resolveToken(take.mint)
			ev.TakeTokenAddress = take.mint
			ev.TakeTokenSymbol = symbol
			ev.TakeAmount = take.amount
			ev.TakeAmountUSD = usd(take.amount)
			ev.PriceStale = ev.PriceStale || stale
			_ = decimals
		}
	}

	return ev
}

func pickDifferentMint(deltas []balanceDelta, exclude string) *balanceDelta {
	for i := range deltas {
		if deltas[i].mint != exclude {
			return &deltas[i]
		}
	}
	return nil
}

func (p *Parser) buildFulfilled(tx *fetcher.FetchResult, orderID [32]byte, taker string) *model.OrderEvent {
	ev := &model.OrderEvent{
		OrderID:   orderID,
		EventType: model.EventFulfilled,
		Signature: tx.Signature,
		Slot:      tx.Slot,
		BlockTime: tx.BlockTime,
		Taker:     taker,
	}

	deltas := largestBalanceDeltas(tx.Meta)
	if len(deltas) > 0 {
		largest := deltas[0]
		_, _, usd, stale := p.resolveToken(largest.mint)
		ev.FulfilledAmount = largest.amount
		ev.FulfilledAmountUSD = usd(largest.amount)
		ev.PriceStale = stale
	}

	return ev
}
