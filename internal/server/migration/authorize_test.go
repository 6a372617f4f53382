package migration

import (
	"context"
	"errors"
	"testing"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/server/consistency"
	"github.com/dmitrijs2005/gophsync/internal/server/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorize(t *testing.T) {
	cases := []struct {
		name     string
		operator string
		mutate   func(w *world)
		allowed  bool
	}{
		{name: "admin", operator: "op", allowed: true},
		{name: "empty operator", operator: ""},
		{name: "unknown identity", operator: "ghost"},
		{name: "customer", operator: "u1"},
		{
			name:     "disabled admin",
			operator: "op",
			mutate:   func(w *world) { w.identities["op"].Disabled = true },
		},
		{
			name:     "admin without profile",
			operator: "op",
			mutate:   func(w *world) { delete(w.profiles, "op") },
		},
		{
			name:     "identity store down",
			operator: "op",
			mutate:   func(w *world) { w.reloadErr = common.Transient("reload", errors.New("timeout")) },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := healthy()
			if tc.mutate != nil {
				tc.mutate(w)
			}

			err := Authorize(context.Background(), w, w, tc.operator)

			if tc.allowed {
				require.NoError(t, err)
				return
			}
			var perr *common.PermissionError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, common.KindPermission, common.KindOf(err))
		})
	}
}

func TestRecommend(t *testing.T) {
	found := &consistency.Report{
		Success: true,
		Summary: map[consistency.Kind]int{
			consistency.DuplicateProfile: 2,
			consistency.OrphanedProfile:  1,
		},
	}

	t.Run("dry run recommends every finding", func(t *testing.T) {
		rep := &Report{Consistency: found, Options: Options{Repairs: reconcile.Options{}.All()}}

		got := recommend(rep)

		require.Len(t, got, 2)
		assert.Equal(t, PriorityHigh, got[0].Priority)
		assert.Equal(t, "cleanDuplicates", got[0].Option)
		assert.Equal(t, PriorityMedium, got[1].Priority)
		assert.Equal(t, "removeOrphans", got[1].Option)
	})

	t.Run("live run omits what it repaired", func(t *testing.T) {
		rep := &Report{Consistency: found, Options: Options{
			Live:    true,
			Repairs: reconcile.Options{CleanDuplicates: true},
		}}

		got := recommend(rep)

		require.Len(t, got, 1)
		assert.Equal(t, "removeOrphans", got[0].Option)
	})

	t.Run("bulk reverification", func(t *testing.T) {
		rep := &Report{Reverification: &ReverificationStats{Marked: 8, AlreadyMarked: 4}}

		got := recommend(rep)

		require.Len(t, got, 1)
		assert.Equal(t, "resendVerification", got[0].Option)
		assert.Equal(t, "12 accounts need reverification; send bulk verification emails", got[0].Message)
	})

	t.Run("errors are always flagged", func(t *testing.T) {
		rep := &Report{Errors: []PhaseError{{Phase: PhaseRepair, Error: "boom"}}}

		got := recommend(rep)

		require.Len(t, got, 1)
		assert.Equal(t, PriorityHigh, got[0].Priority)
	})

	t.Run("nothing found", func(t *testing.T) {
		got := recommend(&Report{Consistency: &consistency.Report{Success: true, Summary: map[consistency.Kind]int{}}})

		assert.Equal(t, []Recommendation{{Priority: PriorityLow, Message: "No major issues found"}}, got)
	})
}
