package codec

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/ledger"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestMarshal_Golden(t *testing.T) {
	cases := []struct {
		name string
		ev   ledger.Event
	}{
		{
			name: "withdraw_transfer",
			ev: ledger.Event{
				AccountID:     "A-100",
				Amount:        dec("150.25"),
				Type:          ledger.EventTypeWithdraw,
				TransactionID: "tx-0001",
				TargetID:      "B-200",
				Description:   ledger.DescriptionUserRequest,
			},
		},
		{
			name: "deposit_minimal",
			ev: ledger.Event{
				AccountID:     "acct-9",
				Amount:        dec("1000"),
				Type:          ledger.EventTypeDeposit,
				TransactionID: "tx-0002",
			},
		},
		{
			name: "fail_compensation",
			ev: ledger.Event{
				AccountID:     "A-100",
				Amount:        dec("200"),
				Type:          ledger.EventTypeFail,
				TransactionID: "tx-0003",
				TargetID:      "A-100",
				Description:   ledger.DescriptionTransferDeposit,
			},
		},
	}

	g := goldie.New(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(&tc.ev)
			require.NoError(t, err)
			g.Assert(t, tc.name, data)
		})
	}
}

func TestMarshal_Deterministic(t *testing.T) {
	ev := ledger.Event{
		AccountID:     "A",
		Amount:        dec("42.4200"),
		Type:          ledger.EventTypeDeposit,
		TransactionID: "tx-1",
	}
	first, err := Marshal(&ev)
	require.NoError(t, err)
	second, err := Marshal(&ev)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMarshal_NFCNormalisation(t *testing.T) {
	// "Cafe" with a combining acute accent normalises to the composed
	// form.
	ev := ledger.Event{
		AccountID:     "A",
		Amount:        dec("1"),
		Type:          ledger.EventTypeDeposit,
		TransactionID: "tx-1",
		Description:   "Café",
	}
	data, err := Marshal(&ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Café")
	assert.NotContains(t, string(data), "́")
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	ev := ledger.Event{
		AccountID:     "A",
		Amount:        dec("1"),
		Type:          ledger.EventTypeDeposit,
		TransactionID: "tx-1",
		Description:   "<a&b>",
	}
	data, err := Marshal(&ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"<a&b>"`)
	assert.NotContains(t, string(data), `<`)
}

func TestRoundTrip(t *testing.T) {
	in := ledger.Event{
		AccountID:     "B-200",
		Amount:        dec("99.9999"),
		Type:          ledger.EventTypeWithdraw,
		TransactionID: "tx-7",
		TargetID:      "A-100",
		Description:   ledger.DescriptionSagaIgnore,
	}
	data, err := Marshal(&in)
	require.NoError(t, err)

	var out ledger.Event
	require.NoError(t, Unmarshal(data, &out))

	assert.Equal(t, in.AccountID, out.AccountID)
	assert.True(t, in.Amount.Equal(out.Amount), "amount %s != %s", in.Amount, out.Amount)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.TransactionID, out.TransactionID)
	assert.Equal(t, in.TargetID, out.TargetID)
	assert.Equal(t, in.Description, out.Description)
}

func TestUnmarshal_OverwritesCarrier(t *testing.T) {
	// Decoding into a dirty slot must clear optional fields.
	carrier := ledger.Event{
		AccountID:   "stale",
		TargetID:    "stale-target",
		Description: "stale-description",
	}
	data, err := Marshal(&ledger.Event{
		AccountID:     "A",
		Amount:        dec("5"),
		Type:          ledger.EventTypeDeposit,
		TransactionID: "tx-1",
	})
	require.NoError(t, err)

	require.NoError(t, Unmarshal(data, &carrier))
	assert.Equal(t, "A", carrier.AccountID)
	assert.Empty(t, carrier.TargetID)
	assert.Empty(t, carrier.Description)
}

func TestUnmarshal_NumberAmount(t *testing.T) {
	// Bodies written by other tooling may carry bare JSON numbers.
	var ev ledger.Event
	err := Unmarshal([]byte(`{"accountId":"A","amount":99.5,"transactionId":"t1","type":"DEPOSIT"}`), &ev)
	require.NoError(t, err)
	assert.True(t, ev.Amount.Equal(dec("99.5")))
}

func TestUnmarshal_Errors(t *testing.T) {
	var ev ledger.Event

	err := Unmarshal([]byte(`{not json`), &ev)
	require.Error(t, err)

	err = Unmarshal([]byte(`{"accountId":"A","amount":"1","transactionId":"t","type":"SPLIT"}`), &ev)
	require.ErrorIs(t, err, ledger.ErrUnknownEventType)

	err = Unmarshal([]byte(`{"accountId":"A","amount":"1","transactionId":"t"}`), &ev)
	require.ErrorIs(t, err, ledger.ErrUnknownEventType, "missing type must not pass")
}

func TestUnmarshal_RejectsGarbageAmount(t *testing.T) {
	var ev ledger.Event
	err := Unmarshal([]byte(`{"accountId":"A","amount":"ten","transactionId":"t","type":"DEPOSIT"}`), &ev)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "decode event body"))
}
