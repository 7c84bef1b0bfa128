package subscription

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/shinkai-labs/shinkai-node/eventbus"
	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/store"
)

// DefaultInvoiceTTL is spec.md §8 scenario 4's "expiration_time: now+10min".
const DefaultInvoiceTTL = 10 * time.Minute

// CreateInvoice issues a Pending invoice for requesterName's paid-tier
// subscription request against offering (typically a folder path). A
// random secret_prehash is generated and stored only in the internal
// half of the record, never returned to the caller (spec.md "Data
// Model: Invoice"; Open Question 1: no wallet key material lives here).
func (m *Manager) CreateInvoice(ctx context.Context, requesterName, offering string) (*Invoice, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindMalformed, "generate invoice secret", err)
	}
	inv := &Invoice{
		InvoiceID:      uuid.NewString(),
		RequesterName:  requesterName,
		Offering:       offering,
		ExpirationTime: m.cfg.Now().Add(DefaultInvoiceTTL),
		Status:         InvoicePending,
	}
	if err := m.putInvoice(ctx, inv); err != nil {
		return nil, err
	}
	internal := internalInvoiceRequest{InvoiceID: inv.InvoiceID, SecretPrehash: secret}
	raw, err := json.Marshal(internal)
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindMalformed, "encode internal invoice request", err)
	}
	if err := m.cfg.Store.Put(ctx, store.CFInvoices, internalInvoiceKey(inv.InvoiceID), raw); err != nil {
		return nil, err
	}
	return inv, nil
}

// GetInvoice returns the invoice record, or KindInvoiceNotFound.
func (m *Manager) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	raw, ok, err := m.cfg.Store.Get(ctx, store.CFInvoices, invoiceKey(invoiceID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, shinkaierrors.New(shinkaierrors.KindInvoiceNotFound, "invoice not found")
	}
	var inv Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindStoreCorrupted, "decode invoice", err)
	}
	return &inv, nil
}

func (m *Manager) putInvoice(ctx context.Context, inv *Invoice) error {
	raw, err := json.Marshal(inv)
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindMalformed, "encode invoice", err)
	}
	return m.cfg.Store.Put(ctx, store.CFInvoices, invoiceKey(inv.InvoiceID), raw)
}

// PayInvoice transitions a Pending invoice to Paid once proof verifies
// (spec.md §8 scenario 4). A second payment attempt against an
// already-decided invoice is rejected with KindVersionConflict — "a
// second payment for the same invoice is rejected."
func (m *Manager) PayInvoice(ctx context.Context, invoiceID string, proof []byte) (*Invoice, error) {
	inv, err := m.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != InvoicePending {
		return nil, shinkaierrors.New(shinkaierrors.KindVersionConflict, "invoice already decided")
	}
	if m.cfg.Now().After(inv.ExpirationTime) {
		inv.Status = InvoiceFailed
		_ = m.putInvoice(ctx, inv)
		return nil, shinkaierrors.New(shinkaierrors.KindVersionConflict, "invoice expired")
	}
	if m.cfg.Verifier == nil {
		return nil, shinkaierrors.New(shinkaierrors.KindConfigMissing, "no payment verifier configured")
	}
	ok, err := m.cfg.Verifier.VerifyPayment(ctx, invoiceID, proof)
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindNetworkTimeout, "verify payment", err)
	}
	if !ok {
		inv.Status = InvoiceFailed
		if err := m.putInvoice(ctx, inv); err != nil {
			return nil, err
		}
		return inv, nil
	}
	inv.Status = InvoicePaid
	inv.PaymentProof = proof
	if err := m.putInvoice(ctx, inv); err != nil {
		return nil, err
	}
	if err := m.cfg.Bus.Publish(ctx, eventbus.InvoicePaidEvent{InvoiceID: inv.InvoiceID}); err != nil {
		return nil, err
	}
	return inv, nil
}
