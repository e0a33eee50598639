//go:build property
// +build property

package ledger

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/statecraft-io/ordinance/pkg/contracts"
)

// Property: any ledger built purely through Append verifies intact, and
// mutating any single stored entry breaks verification at that position.
func TestChainIntegrityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	ctx := context.Background()

	properties.Property("append-only ledgers always verify", prop.ForAll(
		func(details []string) bool {
			l := NewMemoryLedger()
			for _, d := range details {
				if _, err := l.Append(ctx, "actor", contracts.AuditSubmit, "ref", d); err != nil {
					return false
				}
			}
			report, err := l.VerifyChain(ctx, 0, 0)
			return err == nil && report.Intact
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("mutating any entry breaks the chain at its sequence", prop.ForAll(
		func(n uint8, victim uint8) bool {
			count := int(n%16) + 2
			seq := uint64(victim) % uint64(count)

			l := NewMemoryLedger()
			for i := 0; i < count; i++ {
				if _, err := l.Append(ctx, "actor", contracts.AuditSubmit, "ref", "d"); err != nil {
					return false
				}
			}
			l.Tamper(seq, func(e *contracts.AuditEntry) { e.Details = "forged" })

			report, err := l.VerifyChain(ctx, 0, 0)
			return err == nil && !report.Intact && report.BrokenSequence == seq
		},
		gen.UInt8(),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
