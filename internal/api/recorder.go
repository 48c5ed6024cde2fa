package api

import (
	"context"

	"github.com/rcourtman/shopcalc/internal/ledger"
	"github.com/rcourtman/shopcalc/internal/license"
	"github.com/rcourtman/shopcalc/internal/logging"
)

// ledgerRecorder writes issuance audit records to the ledger.
type ledgerRecorder struct {
	ledger *ledger.Ledger
}

func (r ledgerRecorder) RecordIssuance(ctx context.Context, issued *license.Issued) error {
	return r.ledger.RecordIssuance(ctx, ledger.Issuance{
		LicenseID: issued.LicenseID,
		DeviceID:  issued.DeviceID,
		Plan:      string(issued.Plan),
		Features:  issued.Features,
		KeyID:     issued.KeyID,
		RequestID: logging.RequestID(ctx),
		IssuedAt:  issued.IssuedAt,
		ExpiresAt: issued.ExpiresAt,
	})
}
