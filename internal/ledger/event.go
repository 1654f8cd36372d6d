// Package ledger defines the domain vocabulary of the account ledger:
// the event carrier that moves through the ring, the account aggregate
// and its business rules, and the clock port used for persisted
// timestamps.
package ledger

import "github.com/shopspring/decimal"

// EventType classifies a domain fact. FAIL is a first-class variant:
// the apply stage rewrites a rejected command to FAIL in place, and
// every downstream consumer distinguishes it from the balance-affecting
// types.
type EventType string

const (
	EventTypeDeposit  EventType = "DEPOSIT"
	EventTypeWithdraw EventType = "WITHDRAW"
	EventTypeFail     EventType = "FAIL"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeDeposit, EventTypeWithdraw, EventTypeFail:
		return true
	}
	return false
}

// EventTypeTag is the type name recorded with every journaled event.
// Subscriptions filter the global stream by this prefix.
const EventTypeTag = "AccountEvent"

// Well-known description tags. Descriptions ride along unchanged when a
// command is rewritten to FAIL, which is how the saga recognises which
// transfer phase failed.
const (
	// DescriptionUserRequest marks commands entering through the CLI.
	DescriptionUserRequest = "USER_REQUEST"

	// DescriptionTransferDeposit marks phase 2 of a transfer: the
	// deposit the saga issues against the target account.
	DescriptionTransferDeposit = "TRANSFER_DEPOSIT"

	// DescriptionCompensation marks the refund deposit issued after a
	// failed transfer deposit.
	DescriptionCompensation = "COMPENSATION"

	// DescriptionTimeoutRecovery labels watcher-triggered recovery in
	// logs and audit trails.
	DescriptionTimeoutRecovery = "TIMEOUT_RECOVERY_TRIGGER"

	// DescriptionSagaIgnore is a sentinel the saga drops without
	// reserving a step. It exists so orphaned transfers can be staged
	// deliberately, letting the timeout watcher's recovery path run
	// end to end.
	DescriptionSagaIgnore = "IGNORE_ME_SAGA"

	// DescriptionSeedAccount marks bootstrap deposits issued by the
	// seeder on node start.
	DescriptionSeedAccount = "SEED_ACCOUNT_SETUP"
)

// Event is the command-and-fact carrier. Ring slots hold Event values
// that producers fill in place; the same shape is journaled to the log
// and decoded back during replay and subscription delivery.
//
// TargetID is set only on transfer withdraws (the destination account)
// and on saga-issued deposits (the refund destination should the
// deposit fail).
type Event struct {
	AccountID     string
	Amount        decimal.Decimal
	Type          EventType
	TransactionID string
	TargetID      string
	Description   string
}

// Reset zeroes the carrier for slot reuse.
func (e *Event) Reset() {
	*e = Event{}
}

// StreamName returns the per-account stream an event journals to.
func StreamName(accountID string) string {
	return "Account-" + accountID
}
