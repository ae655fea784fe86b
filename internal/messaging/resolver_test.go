package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func schoolRoster() *fakeRoster {
	return &fakeRoster{
		classes: map[uint][]uint{
			2: {10, 11},
			6: {12},
		},
		students: map[uint][]uint{
			10: {100, 101},
			11: {101, 102},
			12: {200},
		},
		guardians: map[uint][]uint{
			100: {3},
			101: {3, 4},
			102: {9},
			200: {5},
		},
		admins: []uint{1, 7},
		fail:   map[string]bool{},
	}
}

func TestAllowedGuardiansWalksClassesAndDeduplicates(t *testing.T) {
	resolver := NewResolver(schoolRoster(), nil, zerolog.Nop())

	guardians, partial := resolver.AllowedGuardians(context.Background(), 2)
	require.False(t, partial)
	require.Equal(t, []uint{3, 4, 9}, guardians.Sorted())
}

func TestAllowedGuardiansKeepsSucceedingBranches(t *testing.T) {
	roster := schoolRoster()
	roster.fail["student:101"] = true
	resolver := NewResolver(roster, nil, zerolog.Nop())

	guardians, partial := resolver.AllowedGuardians(context.Background(), 2)
	require.True(t, partial)
	require.Equal(t, []uint{3, 9}, guardians.Sorted())

	roster.fail = map[string]bool{"class:11": true}
	guardians, partial = resolver.AllowedGuardians(context.Background(), 2)
	require.True(t, partial)
	require.Equal(t, []uint{3, 4}, guardians.Sorted())
}

func TestAllowedGuardiansClassLookupFailure(t *testing.T) {
	roster := schoolRoster()
	roster.fail["staff:2"] = true
	resolver := NewResolver(roster, nil, zerolog.Nop())

	guardians, partial := resolver.AllowedGuardians(context.Background(), 2)
	require.True(t, partial)
	require.Empty(t, guardians)
}

func TestAllowedGuardiansWithoutClasses(t *testing.T) {
	resolver := NewResolver(schoolRoster(), nil, zerolog.Nop())

	guardians, partial := resolver.AllowedGuardians(context.Background(), 42)
	require.False(t, partial)
	require.Empty(t, guardians)
}

func TestResolverBoundsConcurrency(t *testing.T) {
	roster := schoolRoster()
	roster.classes[2] = []uint{10, 11, 12, 13, 14, 15}
	roster.delay = 5 * time.Millisecond
	resolver := NewResolver(roster, nil, zerolog.Nop()).WithConcurrency(2)

	_, partial := resolver.AllowedGuardians(context.Background(), 2)
	require.False(t, partial)
	require.LessOrEqual(t, roster.maxInFlight.Load(), int32(2))
	require.GreaterOrEqual(t, roster.maxInFlight.Load(), int32(1))
}

func TestResolverAccessByRole(t *testing.T) {
	ctx := context.Background()
	roster := schoolRoster()
	resolver := NewResolver(roster, roster, zerolog.Nop())

	staff := resolver.Access(ctx, staffViewer)
	require.False(t, staff.AllGuardians)
	require.False(t, staff.Partial)
	require.Equal(t, []uint{3, 4, 9}, staff.GuardianIDs.Sorted())
	require.Equal(t, []uint{1, 7}, staff.AdministratorIDs.Sorted())

	admin := resolver.Access(ctx, Viewer{ID: 1, Role: RoleAdministrator})
	require.True(t, admin.AllGuardians)
	require.True(t, admin.AllowsGuardian(5))
	require.Equal(t, []uint{1, 7}, admin.AdministratorIDs.Sorted())

	calls := roster.staffCalls.Load()
	guardian := resolver.Access(ctx, Viewer{ID: 3, Role: RoleGuardian})
	require.Equal(t, calls, roster.staffCalls.Load())
	require.Empty(t, guardian.GuardianIDs)
	require.False(t, guardian.AllowsGuardian(4))
	require.Equal(t, []uint{1, 7}, guardian.AdministratorIDs.Sorted())

	unknown := resolver.Access(ctx, Viewer{ID: 8, Role: Role("student")})
	require.False(t, unknown.Partial)
	require.Empty(t, unknown.AdministratorIDs)
	require.Empty(t, unknown.GuardianIDs)
}

func TestResolverAccessMarksPartialWhenAdministratorsFail(t *testing.T) {
	roster := schoolRoster()
	roster.fail["admins"] = true
	resolver := NewResolver(roster, roster, zerolog.Nop())

	access := resolver.Access(context.Background(), staffViewer)
	require.True(t, access.Partial)
	require.Empty(t, access.AdministratorIDs)
	require.Equal(t, []uint{3, 4, 9}, access.GuardianIDs.Sorted())
}

func TestIDSetJSON(t *testing.T) {
	access := Access{Viewer: staffViewer, GuardianIDs: NewIDSet(9, 3, 4), AdministratorIDs: IDSet{}}
	payload, err := json.Marshal(access)
	require.NoError(t, err)
	require.Contains(t, string(payload), `"guardian_ids":[3,4,9]`)
	require.Contains(t, string(payload), `"administrator_ids":[]`)

	var decoded Access
	require.NoError(t, json.Unmarshal(payload, &decoded))
	require.True(t, decoded.GuardianIDs.Contains(4))
	require.False(t, decoded.GuardianIDs.Contains(5))
}
