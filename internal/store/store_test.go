package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"warden/internal/types"
)

// storeUnderTest lets both backends run the same contract checks.
func storeUnderTest(t *testing.T, name string) types.Store {
	t.Helper()
	switch name {
	case "memory":
		return NewMemoryStore()
	case "sqlite":
		s, err := NewLocalStore(filepath.Join(t.TempDir(), "warden.db"))
		if err != nil {
			t.Fatalf("NewLocalStore: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	default:
		t.Fatalf("unknown backend %s", name)
		return nil
	}
}

func TestStoreContract(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			s := storeUnderTest(t, backend)
			ctx := context.Background()

			profile := types.AgentProfile{
				ID:   "agent-1",
				Role: "researcher",
				Scope: types.AgentScope{
					Domains:      []string{"content"},
					AllowedTools: []string{"search"},
				},
				MaxPermissionTier: types.TierSuggest,
			}
			if err := s.Put(ctx, "id1", types.KindAgentProfile, profile.ID, profile); err != nil {
				t.Fatalf("Put: %v", err)
			}

			var got types.AgentProfile
			found, err := s.Get(ctx, "id1", types.KindAgentProfile, "agent-1", &got)
			if err != nil || !found {
				t.Fatalf("Get: found=%v err=%v", found, err)
			}
			if diff := cmp.Diff(profile, got); diff != "" {
				t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
			}

			// Missing record: found=false, no error.
			found, err = s.Get(ctx, "id1", types.KindAgentProfile, "nope", &got)
			if err != nil || found {
				t.Fatalf("missing record: found=%v err=%v", found, err)
			}

			// Records are namespaced by identity.
			found, _ = s.Get(ctx, "id2", types.KindAgentProfile, "agent-1", &got)
			if found {
				t.Fatalf("record leaked across identities")
			}

			// Replace on Put.
			profile.Role = "writer"
			if err := s.Put(ctx, "id1", types.KindAgentProfile, profile.ID, profile); err != nil {
				t.Fatalf("Put replace: %v", err)
			}
			var profiles []types.AgentProfile
			if err := s.List(ctx, "id1", types.KindAgentProfile, &profiles); err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(profiles) != 1 || profiles[0].Role != "writer" {
				t.Fatalf("List after replace = %+v", profiles)
			}

			// Delete is idempotent.
			if err := s.Delete(ctx, "id1", types.KindAgentProfile, "agent-1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := s.Delete(ctx, "id1", types.KindAgentProfile, "agent-1"); err != nil {
				t.Fatalf("Delete again: %v", err)
			}
		})
	}
}

func TestOutcomesAppendOnlyOrder(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			s := storeUnderTest(t, backend)
			ctx := context.Background()
			base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

			for i := 0; i < 5; i++ {
				out := types.TaskOutcomeRecord{
					TaskID:    string(rune('a' + i)),
					TaskType:  "summarize",
					CreatedAt: base.Add(time.Duration(i) * time.Minute),
				}
				if err := s.AppendOutcome(ctx, "id1", out); err != nil {
					t.Fatalf("AppendOutcome: %v", err)
				}
			}

			outcomes, err := s.ListOutcomes(ctx, "id1")
			if err != nil {
				t.Fatalf("ListOutcomes: %v", err)
			}
			if len(outcomes) != 5 {
				t.Fatalf("got %d outcomes, want 5", len(outcomes))
			}
			for i := 1; i < len(outcomes); i++ {
				if outcomes[i].CreatedAt.Before(outcomes[i-1].CreatedAt) {
					t.Fatalf("outcomes out of creation order at %d", i)
				}
			}

			// Other identities see nothing.
			other, err := s.ListOutcomes(ctx, "id2")
			if err != nil {
				t.Fatalf("ListOutcomes id2: %v", err)
			}
			if len(other) != 0 {
				t.Fatalf("outcomes leaked across identities")
			}
		})
	}
}
