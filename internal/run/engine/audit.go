package engine

import (
	"context"
	"iter"

	"tracerun/internal/audit"
)

// ReadAuditRange streams events with fromSeq <= seq <= toSeq. A toSeq of zero
// reads to the head. Consumers resume by sequence number.
func (e *Engine) ReadAuditRange(ctx context.Context, fromSeq, toSeq uint64) iter.Seq2[audit.Event, error] {
	return e.auditLog.ReadRange(ctx, fromSeq, toSeq)
}

// VerifyChain recomputes every digest in the range.
func (e *Engine) VerifyChain(ctx context.Context, fromSeq, toSeq uint64) (bool, error) {
	return e.auditLog.VerifyChain(ctx, fromSeq, toSeq)
}

// VerifyChainReport is VerifyChain with the first broken sequence.
func (e *Engine) VerifyChainReport(ctx context.Context, fromSeq, toSeq uint64) (audit.ChainReport, error) {
	return e.auditLog.VerifyChainReport(ctx, fromSeq, toSeq)
}
