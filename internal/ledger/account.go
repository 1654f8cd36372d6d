package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Account is the in-memory aggregate: the fold of one account stream.
//
// Version tracks the stream revision of the last applied event, -1 for
// an empty account. Every journaled event advances it, FAIL included,
// so snapshot sequences stay aligned with stream revisions.
//
// The processed set holds "<transactionId>|<type>" keys. Keying by
// transaction id alone would reject a compensation refund, which
// legitimately re-uses the withdraw's transaction id as a deposit on
// the same account.
//
// Thread-safety: none. Only the apply stage mutates live aggregates,
// and it is single-threaded; replay operates on private instances.
type Account struct {
	id        string
	balance   decimal.Decimal
	version   int64
	processed map[string]struct{}
}

// NewAccount creates an empty aggregate at version -1.
func NewAccount(id string) *Account {
	return &Account{
		id:        id,
		balance:   decimal.Zero,
		version:   -1,
		processed: make(map[string]struct{}),
	}
}

// RestoreAccount rebuilds an aggregate from snapshot state. The
// processed keys are copied, never aliased, so a stored snapshot can
// outlive the live aggregate.
func RestoreAccount(id string, balance decimal.Decimal, version int64, processed []string) *Account {
	a := &Account{
		id:        id,
		balance:   balance,
		version:   version,
		processed: make(map[string]struct{}, len(processed)),
	}
	for _, key := range processed {
		a.processed[key] = struct{}{}
	}
	return a
}

// ID returns the account identity.
func (a *Account) ID() string { return a.id }

// Balance returns the current balance.
func (a *Account) Balance() decimal.Decimal { return a.balance }

// Version returns the stream revision of the last applied event, or -1.
func (a *Account) Version() int64 { return a.version }

// IsNew reports whether the aggregate has no history worth trusting: a
// zero balance and an empty processed set. A stream holding only FAIL
// facts still counts as new, so a rejected transfer target stays
// rejected on retry.
func (a *Account) IsNew() bool {
	return a.balance.IsZero() && len(a.processed) == 0
}

// ProcessedTransactions returns a sorted copy of the processed keys.
func (a *Account) ProcessedTransactions() []string {
	keys := make([]string, 0, len(a.processed))
	for key := range a.processed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Apply folds one event into the aggregate.
//
// On success the balance and processed set mutate and the version
// advances. On a rule violation the aggregate is left untouched and
// the error identifies the rule; the caller rewrites the event to FAIL
// and applies again, which advances the version without touching the
// balance. The same method serves live commands and replay, so a
// reconstructed aggregate is byte-for-byte the live one.
func (a *Account) Apply(ev *Event) error {
	switch ev.Type {
	case EventTypeFail:
		a.version++
		return nil
	case EventTypeDeposit:
		if err := a.checkCommon(ev); err != nil {
			return err
		}
		if ev.Description == DescriptionTransferDeposit && a.IsNew() {
			return fmt.Errorf("deposit %s into %s: %w", ev.TransactionID, a.id, ErrTargetNotFound)
		}
		a.balance = a.balance.Add(ev.Amount)
	case EventTypeWithdraw:
		if err := a.checkCommon(ev); err != nil {
			return err
		}
		if a.balance.LessThan(ev.Amount) {
			return fmt.Errorf("withdraw %s from %s: %w", ev.TransactionID, a.id, ErrInsufficientBalance)
		}
		a.balance = a.balance.Sub(ev.Amount)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}

	if ev.TransactionID != "" {
		a.processed[processedKey(ev)] = struct{}{}
	}
	a.version++
	return nil
}

func (a *Account) checkCommon(ev *Event) error {
	if !ev.Amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, ev.Amount)
	}
	if ev.TransactionID != "" {
		if _, dup := a.processed[processedKey(ev)]; dup {
			return fmt.Errorf("%s %s on %s: %w", ev.Type, ev.TransactionID, a.id, ErrDuplicateTransaction)
		}
	}
	return nil
}

func processedKey(ev *Event) string {
	return ev.TransactionID + "|" + string(ev.Type)
}
