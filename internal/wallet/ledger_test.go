package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/oga-courier/internal/errs"
	"github.com/and161185/oga-courier/internal/model"
	"github.com/and161185/oga-courier/internal/storage"
)

func TestLedger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemoryStore()
	l := NewLedger(store, zaptest.NewLogger(t))
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return at }

	st, err := l.State(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Balance)
	require.Empty(t, st.Transactions)

	_, err = l.Recharge(ctx, 5000)
	require.NoError(t, err)
	st, err = l.SettleCompletedCourse(ctx, Settlement{CourseID: "course_001", CourseAmount: 15000, CommissionAmount: 1500})
	require.NoError(t, err)

	require.Equal(t, int64(18500), st.Balance)
	require.Len(t, st.Transactions, 3)
	require.Equal(t, model.TxDebit, st.Transactions[0].Type)
	require.Equal(t, "Débit automatique (commission course)", st.Transactions[0].Label)
	require.Equal(t, "Gain course livrée", st.Transactions[1].Label)
	require.Equal(t, "course_001", st.Transactions[1].CourseID)
	require.Equal(t, "Recharge du portefeuille", st.Transactions[2].Label)
	require.Equal(t, at, st.Transactions[2].CreatedAt)

	reloaded, err := NewLedger(store, nil).State(ctx)
	require.NoError(t, err)
	require.Equal(t, st, reloaded)

	require.NoError(t, l.Reset(ctx))
	st, err = l.State(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Balance)
}

func TestLedger_Validation(t *testing.T) {
	t.Parallel()

	l := NewLedger(storage.NewMemoryStore(), nil)
	_, err := l.Recharge(context.Background(), 0)
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = l.SettleCompletedCourse(context.Background(), Settlement{CourseAmount: 10})
	require.ErrorIs(t, err, errs.ErrValidation)
}
