// Package codec serialises ledger events to the canonical JSON bodies
// stored in the event log. Keys are emitted in sorted order, strings
// are NFC normalised, amounts are encoded as decimal strings, and
// optional fields are omitted when empty, so a given event always
// produces the same bytes. Golden tests pin the format.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/roach88/tally/internal/ledger"
)

// wireEvent mirrors ledger.Event with the camelCase field names of the
// journaled body. Amount decodes from either a JSON string or a bare
// number.
type wireEvent struct {
	AccountID     string          `json:"accountId"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description,omitempty"`
	TargetID      string          `json:"targetId,omitempty"`
	TransactionID string          `json:"transactionId"`
	Type          string          `json:"type"`
}

// Marshal encodes ev as canonical JSON.
func Marshal(ev *ledger.Event) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	// Keys in sorted order: accountId, amount, description, targetId,
	// transactionId, type. description and targetId are omitted when
	// empty (canonical bodies carry no nulls or empty markers).
	if err := writeField(&buf, "accountId", ev.AccountID); err != nil {
		return nil, err
	}
	buf.WriteByte(',')
	if err := writeField(&buf, "amount", ev.Amount.String()); err != nil {
		return nil, err
	}
	if ev.Description != "" {
		buf.WriteByte(',')
		if err := writeField(&buf, "description", ev.Description); err != nil {
			return nil, err
		}
	}
	if ev.TargetID != "" {
		buf.WriteByte(',')
		if err := writeField(&buf, "targetId", ev.TargetID); err != nil {
			return nil, err
		}
	}
	buf.WriteByte(',')
	if err := writeField(&buf, "transactionId", ev.TransactionID); err != nil {
		return nil, err
	}
	buf.WriteByte(',')
	if err := writeField(&buf, "type", string(ev.Type)); err != nil {
		return nil, err
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeField(buf *bytes.Buffer, key, value string) error {
	if err := appendCanonicalString(buf, key); err != nil {
		return fmt.Errorf("field %s: %w", key, err)
	}
	buf.WriteByte(':')
	if err := appendCanonicalString(buf, value); err != nil {
		return fmt.Errorf("field %s: %w", key, err)
	}
	return nil
}

// Unmarshal decodes a journaled body into ev, overwriting every field.
// Decoding into a caller-owned carrier keeps replay and subscription
// delivery allocation-free on the hot path.
func Unmarshal(data []byte, ev *ledger.Event) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode event body: %w", err)
	}
	t := ledger.EventType(w.Type)
	if !t.Valid() {
		return fmt.Errorf("decode event body: %w: %q", ledger.ErrUnknownEventType, w.Type)
	}

	ev.AccountID = w.AccountID
	ev.Amount = w.Amount
	ev.Type = t
	ev.TransactionID = w.TransactionID
	ev.TargetID = w.TargetID
	ev.Description = w.Description
	return nil
}
