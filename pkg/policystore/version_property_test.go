//go:build property
// +build property

package policystore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/statecraft-io/ordinance/pkg/crypto"
)

// Property: for any interleaving of concurrent writers across policy
// ids, each policy's version sequence comes out gapless from 1, and
// every stored version still verifies.
func TestVersionMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	ctx := context.Background()

	properties.Property("concurrent writers leave gapless per-policy sequences", prop.ForAll(
		func(assignments []uint8) bool {
			signer, err := crypto.NewEd25519Signer("prop-key")
			if err != nil {
				return false
			}
			store := New(NewMemoryBackend(), signer)

			var wg sync.WaitGroup
			for i, a := range assignments {
				policyID := fmt.Sprintf("P%d", a%4)
				content := []byte(fmt.Sprintf(`{"n":%d}`, i))
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = store.PutVersion(ctx, policyID, content, "agent:w")
				}()
			}
			wg.Wait()

			counts := make(map[string]int)
			for _, a := range assignments {
				counts[fmt.Sprintf("P%d", a%4)]++
			}
			for policyID, n := range counts {
				versions, err := store.ListVersions(ctx, policyID)
				if err != nil || len(versions) != n {
					return false
				}
				for i, v := range versions {
					if v.Version != int64(i+1) {
						return false
					}
					if _, err := store.GetVersion(ctx, policyID, v.Version); err != nil {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
