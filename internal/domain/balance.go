package domain

import (
	"fmt"

	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/safe"
)

// Balance tracks one asset on a simulated venue. Amounts use the sats scale
// for every asset, quote currencies included.
type Balance struct {
	Symbol        string        `json:"symbol"`
	AmountSats    quant.QtySats `json:"amount,string"`
	ReservedSats  quant.QtySats `json:"reserved,string"`
	LastUpdateSeq uint64        `json:"seq"`
}

func (b *Balance) Credit(amount quant.QtySats, seq uint64) {
	b.AmountSats = safe.Add(b.AmountSats, amount)
	b.LastUpdateSeq = seq
}

// Debit panics when the balance would go negative; callers check first.
func (b *Balance) Debit(amount quant.QtySats, seq uint64) {
	if amount > b.AmountSats {
		panic(fmt.Sprintf("BALANCE_DEBIT_INSUFFICIENT: %s amount=%d debit=%d", b.Symbol, b.AmountSats, amount))
	}
	b.AmountSats = safe.Sub(b.AmountSats, amount)
	b.LastUpdateSeq = seq
}

// Reserve locks funds for a resting order.
func (b *Balance) Reserve(amount quant.QtySats, seq uint64) error {
	if amount > b.AvailableSats() {
		return fmt.Errorf("%w: %s available=%s need=%s", ErrInsufficientBalance, b.Symbol, b.AvailableSats(), amount)
	}
	b.ReservedSats = safe.Add(b.ReservedSats, amount)
	b.LastUpdateSeq = seq
	return nil
}

// Release unlocks up to amount of reserved funds.
func (b *Balance) Release(amount quant.QtySats, seq uint64) {
	if amount > b.ReservedSats {
		amount = b.ReservedSats
	}
	b.ReservedSats = safe.Sub(b.ReservedSats, amount)
	b.LastUpdateSeq = seq
}

func (b *Balance) AvailableSats() quant.QtySats {
	return b.AmountSats - b.ReservedSats
}

// VerifyInvariant panics if the balance is internally inconsistent.
func (b *Balance) VerifyInvariant() {
	if b.AmountSats < 0 {
		panic(fmt.Sprintf("BALANCE_NEGATIVE: %s amount=%d", b.Symbol, b.AmountSats))
	}
	if b.ReservedSats < 0 || b.ReservedSats > b.AmountSats {
		panic(fmt.Sprintf("BALANCE_RESERVED_INVALID: %s amount=%d reserved=%d", b.Symbol, b.AmountSats, b.ReservedSats))
	}
}

// BalanceBook holds balances by asset. Not safe for concurrent use.
type BalanceBook struct {
	balances map[string]*Balance
}

func NewBalanceBook() *BalanceBook {
	return &BalanceBook{balances: make(map[string]*Balance)}
}

// Get returns the balance for asset, creating an empty one on first use.
func (bb *BalanceBook) Get(asset string) *Balance {
	b, ok := bb.balances[asset]
	if !ok {
		b = &Balance{Symbol: asset}
		bb.balances[asset] = b
	}
	return b
}

func (bb *BalanceBook) VerifyAll() {
	for _, b := range bb.balances {
		b.VerifyInvariant()
	}
}
