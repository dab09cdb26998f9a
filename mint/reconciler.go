package mint

import (
	"context"
	"errors"
	"time"

	"github.com/duskmint/duskmint/cashu/nuts/nut05"
	"github.com/duskmint/duskmint/mint/lightning"
	"github.com/duskmint/duskmint/mint/storage"
)

// StartBackgroundTasks launches the melt reconciler and the quote
// expirer as goroutines, each driven by its own ticker at
// config.ReconcilerPeriod, matching the
// teacher's invoicesub.go pattern of a long-lived subscription
// goroutine started alongside the HTTP server. Both tasks stop when ctx
// is cancelled.
func (m *Mint) StartBackgroundTasks(ctx context.Context) {
	go m.runReconciler(ctx)
	go m.runQuoteExpirer(ctx)
}

func (m *Mint) runReconciler(ctx context.Context) {
	ticker := time.NewTicker(m.config.ReconcilerPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reconcilePendingMelts()
		}
	}
}

func (m *Mint) runQuoteExpirer(ctx context.Context) {
	ticker := time.NewTicker(m.config.ReconcilerPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mintExpired, meltExpired, err := m.db.ExpireQuotes(time.Now().Unix())
			if err != nil {
				m.logErrorf("quote expirer: %v", err)
				continue
			}
			if mintExpired > 0 || meltExpired > 0 {
				m.logInfof("quote expirer: expired %d mint quotes, %d melt quotes", mintExpired, meltExpired)
			}
		}
	}
}

// reconcilePendingMelts is the mechanism that keeps a melt from being
// stuck in PENDING forever after SendPayment returned lightning.Pending:
// it consults the backend's own payment-lookup call and either finalizes
// the quote or rolls it back, as MeltTokens would have if the answer had
// been synchronous, except that no fee change is issued: the wallet's
// change outputs are not stored, so finalization gets none.
func (m *Mint) reconcilePendingMelts() {
	quoteIds, err := m.pendingMeltQuoteIds()
	if err != nil {
		m.logErrorf("reconciler: listing pending melts: %v", err)
		return
	}

	for _, quoteId := range quoteIds {
		quote, err := m.db.GetMeltQuote(quoteId)
		if err != nil {
			m.logErrorf("reconciler: loading melt quote %s: %v", quoteId, err)
			continue
		}
		if quote.State != nut05.Pending {
			continue
		}

		status, err := m.ln.OutgoingPaymentStatus(context.Background(), quote.PaymentHash)
		if err != nil {
			if errors.Is(err, lightning.OutgoingPaymentNotFound) {
				continue
			}
			m.logErrorf("reconciler: checking payment status for melt quote %s: %v", quoteId, err)
			continue
		}

		switch status.PaymentStatus {
		case lightning.Succeeded:
			if _, err := m.finalizeMeltSuccess(quote, status.Preimage, nil, quote.FeeReserve, status.FeePaid); err != nil {
				m.logErrorf("reconciler: finalizing melt quote %s: %v", quoteId, err)
			}
		case lightning.Failed:
			proofs, err := m.spentProofsForQuote(quote)
			if err != nil {
				m.logErrorf("reconciler: loading proofs for melt quote %s: %v", quoteId, err)
				continue
			}
			if err := m.db.UnmarkProofsSpent(proofs); err != nil {
				m.logErrorf("reconciler: rolling back proofs for melt quote %s: %v", quoteId, err)
				continue
			}
			if err := m.db.UpdateMeltQuote(quoteId, "", nut05.Pending, nut05.Unpaid); err != nil && !errors.Is(err, storage.ErrQuoteStateConflict) {
				m.logErrorf("reconciler: reverting melt quote %s: %v", quoteId, err)
			}
		case lightning.Pending:
			// still in flight, leave it for the next tick.
		}
	}
}
