// Package wallet keeps the courier's earnings ledger.
package wallet

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/oga-courier/internal/errs"
	"github.com/and161185/oga-courier/internal/logging"
	"github.com/and161185/oga-courier/internal/model"
	"github.com/and161185/oga-courier/internal/storage"
)

const (
	labelRecharge     = "Recharge du portefeuille"
	labelCourseCredit = "Gain course livrée"
	labelCommission   = "Débit automatique (commission course)"
)

// Settlement is the outcome of a completed course.
type Settlement struct {
	CourseID         string
	CourseAmount     int64
	CommissionAmount int64
}

// Ledger is persisted under the wallet key. Transactions are newest first.
type Ledger struct {
	rec *storage.Record[model.WalletState]
	now func() time.Time
	log *zap.Logger
}

// NewLedger constructs a ledger persisted in store.
func NewLedger(store storage.Store, log *zap.Logger) *Ledger {
	return &Ledger{
		rec: storage.NewRecord(store, storage.KeyWalletState, func() model.WalletState {
			return model.WalletState{Transactions: []model.WalletTransaction{}}
		}),
		now: time.Now,
		log: logging.OrNop(log),
	}
}

// State returns a copy of the ledger.
func (l *Ledger) State(ctx context.Context) (model.WalletState, error) {
	st, err := l.rec.Get(ctx)
	if err != nil {
		return model.WalletState{}, err
	}
	return clone(st), nil
}

func clone(st model.WalletState) model.WalletState {
	st.Transactions = append([]model.WalletTransaction{}, st.Transactions...)
	return st
}

func (l *Ledger) tx(typ model.WalletTransactionType, amount int64, label, courseID string) model.WalletTransaction {
	return model.WalletTransaction{
		ID:        model.NewID("txn"),
		Type:      typ,
		Amount:    amount,
		Label:     label,
		CreatedAt: l.now().UTC(),
		CourseID:  courseID,
	}
}

func apply(st model.WalletState, txs ...model.WalletTransaction) model.WalletState {
	st = clone(st)
	for _, tx := range txs {
		if tx.Type == model.TxCredit {
			st.Balance += tx.Amount
		} else {
			st.Balance -= tx.Amount
		}
		st.Transactions = append([]model.WalletTransaction{tx}, st.Transactions...)
	}
	return st
}

// Recharge credits amount.
func (l *Ledger) Recharge(ctx context.Context, amount int64) (model.WalletState, error) {
	if amount <= 0 {
		return model.WalletState{}, errs.Validation("Le montant doit etre positif.")
	}
	st, err := l.rec.Update(ctx, func(st model.WalletState) (model.WalletState, error) {
		return apply(st, l.tx(model.TxCredit, amount, labelRecharge, "")), nil
	})
	if err != nil {
		return model.WalletState{}, err
	}
	l.log.Info("wallet_recharged", zap.Int64("amount", amount), zap.Int64("balance", st.Balance))
	return clone(st), nil
}

// SettleCompletedCourse records the course earning then the commission debit.
func (l *Ledger) SettleCompletedCourse(ctx context.Context, s Settlement) (model.WalletState, error) {
	if s.CourseID == "" || s.CourseAmount < 0 || s.CommissionAmount < 0 {
		return model.WalletState{}, errs.Validation("Reglement de course invalide.")
	}
	st, err := l.rec.Update(ctx, func(st model.WalletState) (model.WalletState, error) {
		return apply(st,
			l.tx(model.TxCredit, s.CourseAmount, labelCourseCredit, s.CourseID),
			l.tx(model.TxDebit, s.CommissionAmount, labelCommission, s.CourseID),
		), nil
	})
	if err != nil {
		return model.WalletState{}, err
	}
	l.log.Info("wallet_course_settled", zap.String("courseID", s.CourseID), zap.Int64("balance", st.Balance))
	return clone(st), nil
}

// Reset wipes the ledger.
func (l *Ledger) Reset(ctx context.Context) error {
	return l.rec.Reset(ctx)
}
