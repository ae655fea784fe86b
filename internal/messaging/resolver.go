package messaging

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-messaging/internal/observability"
)

const defaultResolverConcurrency = 8

// RosterProvider exposes the class, student and guardian-link relationships.
// Every call may fail independently.
type RosterProvider interface {
	ClassesForStaff(ctx context.Context, staffID uint) ([]uint, error)
	StudentsInClass(ctx context.Context, classID uint) ([]uint, error)
	GuardiansOfStudent(ctx context.Context, studentID uint) ([]uint, error)
}

// AdminRoster lists the administrators reachable by a viewer, independent of role tags.
type AdminRoster interface {
	AdministratorIDs(ctx context.Context, viewer Viewer) ([]uint, error)
}

// Resolver derives the guardians a staff member may message by walking
// class -> student -> guardian. The result is recomputed on every call.
type Resolver struct {
	roster      RosterProvider
	admins      AdminRoster
	logger      zerolog.Logger
	concurrency int
}

// NewResolver builds a resolver. admins may be nil.
func NewResolver(roster RosterProvider, admins AdminRoster, logger zerolog.Logger) *Resolver {
	return &Resolver{
		roster:      roster,
		admins:      admins,
		logger:      logger.With().Str("component", "relationship_resolver").Logger(),
		concurrency: defaultResolverConcurrency,
	}
}

// WithConcurrency bounds the number of in-flight roster calls per fan-out stage.
func (r *Resolver) WithConcurrency(limit int) *Resolver {
	if limit > 0 {
		r.concurrency = limit
	}
	return r
}

// AllowedGuardians returns the guardian ids staffID may message. Failed
// branches contribute nothing; partial reports whether any branch failed.
func (r *Resolver) AllowedGuardians(ctx context.Context, staffID uint) (guardians IDSet, partial bool) {
	guardians = IDSet{}

	classes, err := r.roster.ClassesForStaff(ctx, staffID)
	if err != nil {
		r.branchFailed("classes", staffID, err)
		return guardians, true
	}

	students, studentsPartial := r.fanOut(ctx, "students", classes, r.roster.StudentsInClass)
	guardians, guardiansPartial := r.fanOut(ctx, "guardians", students.Sorted(), r.roster.GuardiansOfStudent)

	return guardians, studentsPartial || guardiansPartial
}

func (r *Resolver) fanOut(ctx context.Context, stage string, keys []uint, fetch func(context.Context, uint) ([]uint, error)) (IDSet, bool) {
	var (
		mu      sync.Mutex
		result  = IDSet{}
		partial bool
		group   errgroup.Group
	)
	group.SetLimit(r.concurrency)

	for _, key := range keys {
		key := key
		group.Go(func() error {
			ids, err := fetch(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				partial = true
				r.branchFailed(stage, key, err)
				return nil
			}
			result.Add(ids...)
			return nil
		})
	}
	_ = group.Wait()

	return result, partial
}

func (r *Resolver) branchFailed(stage string, key uint, err error) {
	observability.RosterBranchFailures().WithLabelValues(stage).Inc()
	r.logger.Warn().Err(err).Str("stage", stage).Uint("key", key).Msg("roster lookup failed; continuing with partial data")
}

// Access builds the policy inputs for viewer.
func (r *Resolver) Access(ctx context.Context, viewer Viewer) Access {
	access := Access{
		Viewer:           viewer,
		GuardianIDs:      IDSet{},
		AdministratorIDs: IDSet{},
	}

	var group errgroup.Group

	switch viewer.Role {
	case RoleAdministrator:
		access.AllGuardians = true
	case RoleStaff:
		group.Go(func() error {
			guardians, partial := r.AllowedGuardians(ctx, viewer.ID)
			access.GuardianIDs = guardians
			if partial {
				access.Partial = true
			}
			return nil
		})
	}

	var (
		admins      []uint
		adminsErr   error
		adminsFetch = r.admins != nil && viewer.Role.Known()
	)
	if adminsFetch {
		group.Go(func() error {
			admins, adminsErr = r.admins.AdministratorIDs(ctx, viewer)
			return nil
		})
	}
	_ = group.Wait()

	if adminsFetch {
		if adminsErr != nil {
			r.branchFailed("administrators", viewer.ID, adminsErr)
			access.Partial = true
		} else {
			access.AdministratorIDs.Add(admins...)
		}
	}

	return access
}
