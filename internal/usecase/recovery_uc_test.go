//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/adapter"
	"catalog-billing/internal/domain/ports/repository"
)

// seedTx stores a transaction created age ago in the given state.
func (h *paymentHarness) seedTx(t *testing.T, userID string, method model.PaymentMethod, status model.TransactionStatus, ext string, age time.Duration) *model.PaymentTransaction {
	t.Helper()
	tx, err := model.NewPaymentTransaction(userID, userID+"@example.uz", method, testPrice, 0, "UZS")
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	tx.Status = status
	tx.CreatedAt = time.Now().Add(-age)
	if ext != "" {
		tx.ExternalTransID = ptr(ext)
	}
	if status != model.TransactionPending {
		tx.PreparedAt = ptr(tx.CreatedAt)
	}
	if status == model.TransactionCompleted {
		tx.CompletedAt = ptr(tx.CreatedAt)
		tx.EntitlementState = model.EntitlementApplied
	}
	h.txns.Put(tx)
	return tx
}

func TestRecoveryUseCase_SweepStuck(t *testing.T) {
	ctx := context.Background()

	t.Run("should cancel a pending transaction stuck for three hours and leave completed ones alone", func(t *testing.T) {
		// --- Arrange ---
		h := newPaymentHarness()
		stuck := h.seedTx(t, "user-1", model.MethodClick, model.TransactionPending, "", 3*time.Hour)
		paid := h.seedTx(t, "user-2", model.MethodClick, model.TransactionCompleted, "click-2", 3*time.Hour)
		fresh := h.seedTx(t, "user-2", model.MethodClick, model.TransactionPending, "", 10*time.Minute)

		// --- Act ---
		report, err := h.recUC.SweepStuck(ctx)

		// --- Assert ---
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if report.Scanned != 1 || report.Cancelled != 1 {
			t.Errorf("expected one cancellation, got %+v", report)
		}
		got := h.txns.Get(stuck.ID)
		if got.Status != model.TransactionCancelled || *got.CancelReason != model.CancelReasonTimeout {
			t.Errorf("expected cancelled with reason 4, got %s", got.Status)
		}
		if h.txns.Get(paid.ID).Status != model.TransactionCompleted {
			t.Error("expected completed transaction untouched")
		}
		if h.txns.Get(fresh.ID).Status != model.TransactionPending {
			t.Error("expected fresh transaction untouched")
		}
	})

	t.Run("should complete a stuck transaction the provider reports as paid", func(t *testing.T) {
		h := newPaymentHarness()
		tx := h.seedTx(t, "user-1", model.MethodAtmos, model.TransactionProcessing, "atm-1", 3*time.Hour)
		h.atmos.StatusFunc = func(string) (*adapter.ProviderStatus, error) {
			return &adapter.ProviderStatus{State: model.TransactionCompleted, Amount: testPrice}, nil
		}

		report, err := h.recUC.SweepStuck(ctx)

		if err != nil || report.Completed != 1 {
			t.Fatalf("expected one completion, got %+v %v", report, err)
		}
		if h.txns.Get(tx.ID).Status != model.TransactionCompleted || h.identity.Tier("user-1") != model.TierPaid {
			t.Error("expected completion with upgrade")
		}
	})

	t.Run("should wait for an unreachable provider until the hard deadline", func(t *testing.T) {
		h := newPaymentHarness()
		recent := h.seedTx(t, "user-1", model.MethodAtmos, model.TransactionProcessing, "atm-1", 3*time.Hour)
		old := h.seedTx(t, "user-2", model.MethodAtmos, model.TransactionProcessing, "atm-2", 25*time.Hour)
		h.atmos.StatusFunc = func(string) (*adapter.ProviderStatus, error) {
			return nil, errors.New("connection refused")
		}

		report, err := h.recUC.SweepStuck(ctx)

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if report.Skipped != 1 || report.Cancelled != 1 {
			t.Errorf("expected one skip and one cancel, got %+v", report)
		}
		if h.txns.Get(recent.ID).Status != model.TransactionProcessing || h.txns.Get(old.ID).Status != model.TransactionCancelled {
			t.Error("expected only the transaction past the deadline to be cancelled")
		}
	})

	t.Run("should fail a stuck transaction the provider rejects for good", func(t *testing.T) {
		// --- Arrange ---
		h := newPaymentHarness()
		tx := h.seedTx(t, "user-1", model.MethodAtmos, model.TransactionProcessing, "atm-1", 3*time.Hour)
		h.atmos.StatusFunc = func(string) (*adapter.ProviderStatus, error) {
			return nil, &domain.ProviderError{Category: domain.CategoryInvalidCredential, Code: "card", Final: true}
		}

		// --- Act ---
		report, err := h.recUC.SweepStuck(ctx)

		// --- Assert ---
		if err != nil || report.Failed != 1 {
			t.Fatalf("expected one failure, got %+v %v", report, err)
		}
		if h.txns.Get(tx.ID).Status != model.TransactionFailed {
			t.Errorf("expected failed, got %s", h.txns.Get(tx.ID).Status)
		}
	})

	t.Run("should leave a transaction for the next pass while the provider is unavailable", func(t *testing.T) {
		h := newPaymentHarness()
		tx := h.seedTx(t, "user-1", model.MethodAtmos, model.TransactionProcessing, "atm-1", 3*time.Hour)
		h.atmos.StatusFunc = func(string) (*adapter.ProviderStatus, error) {
			return nil, &domain.ProviderError{Category: domain.CategoryProviderUnavailable, Code: "503"}
		}

		report, err := h.recUC.SweepStuck(ctx)

		if err != nil || report.Skipped != 1 {
			t.Fatalf("expected one skip, got %+v %v", report, err)
		}
		if h.txns.Get(tx.ID).Status != model.TransactionProcessing {
			t.Errorf("expected processing, got %s", h.txns.Get(tx.ID).Status)
		}
	})

	t.Run("should cancel and release a reservation the provider still holds", func(t *testing.T) {
		h := newPaymentHarness()
		tx := h.seedTx(t, "user-1", model.MethodAtmos, model.TransactionProcessing, "atm-1", 3*time.Hour)

		if _, err := h.recUC.SweepStuck(ctx); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if h.txns.Get(tx.ID).Status != model.TransactionCancelled {
			t.Error("expected cancelled")
		}
		if rev := h.atmos.Reversed(); len(rev) != 1 || rev[0] != "atm-1" {
			t.Errorf("expected the reservation to be released, got %v", rev)
		}
	})

	t.Run("should not undo a completion that lands during the sweep", func(t *testing.T) {
		// --- Arrange ---
		h := newPaymentHarness()
		tx := h.seedTx(t, "user-1", model.MethodAtmos, model.TransactionProcessing, "atm-1", 3*time.Hour)
		h.atmos.StatusFunc = func(string) (*adapter.ProviderStatus, error) {
			_, _ = h.txns.ConditionalUpdateStatus(ctx, repository.NoTX, tx.ID,
				model.TransactionProcessing, model.TransactionCompleted, repository.TransitionFields{})
			return &adapter.ProviderStatus{State: model.TransactionProcessing}, nil
		}

		// --- Act ---
		report, err := h.recUC.SweepStuck(ctx)

		// --- Assert ---
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if h.txns.Get(tx.ID).Status != model.TransactionCompleted {
			t.Errorf("expected completed to survive the sweep, got %s", h.txns.Get(tx.ID).Status)
		}
		if report.Skipped != 1 || len(h.atmos.Reversed()) != 0 {
			t.Errorf("expected a skip without reversal, got %+v", report)
		}
	})
}

func TestRecoveryUseCase_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("should skip when another instance holds the lock", func(t *testing.T) {
		h := newPaymentHarness()
		if _, err := h.locker.TryLock(ctx, "recovery:sweep", time.Minute); err != nil {
			t.Fatalf("lock: %v", err)
		}

		_, err := h.recUC.Run(ctx)

		if !errors.Is(err, adapter.ErrLockHeld) {
			t.Errorf("expected ErrLockHeld, got %v", err)
		}
	})

	t.Run("should release the lock after a pass", func(t *testing.T) {
		h := newPaymentHarness()
		h.seedTx(t, "user-1", model.MethodClick, model.TransactionPending, "", 3*time.Hour)

		report, err := h.recUC.Run(ctx)

		if err != nil || report.Cancelled != 1 {
			t.Fatalf("expected one cancellation, got %+v %v", report, err)
		}
		if _, err := h.locker.TryLock(ctx, "recovery:sweep", time.Minute); err != nil {
			t.Errorf("expected lock to be free, got %v", err)
		}
	})
}

func TestRecoveryUseCase_ReconcileEntitlements(t *testing.T) {
	t.Run("should retry a failed upgrade and resolve its record", func(t *testing.T) {
		// --- Arrange ---
		ctx := context.Background()
		h := newPaymentHarness()
		h.identity.UpdateErr = errors.New("identity down")
		tx := h.intent(t, "user-1", model.MethodClick, "")
		h.prepare(t, tx, "click-1")
		if _, err := h.payUC.ApplyEvent(ctx, eventFor(tx, model.EventComplete, "click-1")); err != nil {
			t.Fatalf("complete: %v", err)
		}
		h.identity.UpdateErr = nil
		h.txns.ReleaseClaim(tx.ID)

		// --- Act ---
		n, err := h.recUC.ReconcileEntitlements(ctx, "")

		// --- Assert ---
		if err != nil || n != 1 {
			t.Fatalf("expected one upgrade, got %d %v", n, err)
		}
		if h.identity.Tier("user-1") != model.TierPaid {
			t.Error("expected user upgraded")
		}
		open, _ := h.recUC.ListEntitlementFailures(ctx, 10)
		if len(open) != 0 {
			t.Errorf("expected no open failures, got %d", len(open))
		}
	})
}

func TestRecoveryUseCase_ReconcileOrphans(t *testing.T) {
	t.Run("should apply a recorded confirmation once its transaction is known", func(t *testing.T) {
		ctx := context.Background()
		h := newPaymentHarness()
		tx := h.seedTx(t, "user-1", model.MethodClick, model.TransactionPending, "", time.Minute)
		_ = h.orphans.Save(ctx, repository.NoTX, &model.OrphanNotification{
			ID: "orphan-1", Method: model.MethodClick, Kind: model.EventComplete,
			MerchantTransID: tx.MerchantTransID, ExternalTransID: "click-5", Amount: testPrice, ReceivedAt: time.Now(),
		})
		_ = h.orphans.Save(ctx, repository.NoTX, &model.OrphanNotification{
			ID: "orphan-2", Method: model.MethodClick, Kind: model.EventComplete, MerchantTransID: "still-unknown", Amount: 1,
		})

		n, err := h.recUC.ReconcileOrphans(ctx)

		if err != nil || n != 1 {
			t.Fatalf("expected one resolved orphan, got %d %v", n, err)
		}
		if got := h.txns.Get(tx.ID); got.Status != model.TransactionCompleted || got.External() != "click-5" {
			t.Errorf("expected completed with provider id, got %s %q", got.Status, got.External())
		}
		left, _ := h.orphans.ListUnresolved(ctx, repository.NoTX, 10)
		if len(left) != 1 || left[0].ID != "orphan-2" {
			t.Errorf("expected the unknown orphan to remain, got %+v", left)
		}
	})
}

func TestRecoveryUseCase_CheckPending(t *testing.T) {
	t.Run("should settle a paid transaction when the client polls", func(t *testing.T) {
		ctx := context.Background()
		h := newPaymentHarness()
		h.seedTx(t, "user-1", model.MethodAtmos, model.TransactionProcessing, "atm-1", time.Minute)
		h.atmos.StatusFunc = func(string) (*adapter.ProviderStatus, error) {
			return &adapter.ProviderStatus{State: model.TransactionCompleted}, nil
		}

		res, err := h.recUC.CheckPending(ctx, "user-1")

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !res.Paid || res.Checked != 1 || res.Completed != 1 {
			t.Errorf("unexpected result %+v", res)
		}
	})

	t.Run("should leave a still-open transaction alone", func(t *testing.T) {
		ctx := context.Background()
		h := newPaymentHarness()
		tx := h.seedTx(t, "user-1", model.MethodAtmos, model.TransactionProcessing, "atm-1", time.Minute)

		res, err := h.recUC.CheckPending(ctx, "user-1")

		if err != nil || res.Paid {
			t.Fatalf("expected unpaid result, got %+v %v", res, err)
		}
		if h.txns.Get(tx.ID).Status != model.TransactionProcessing {
			t.Error("expected processing to be kept")
		}
	})
}
