package grants

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ============================================================================
// INTEGRATION TEST SUITE
// ============================================================================

// GrantsIntegrationTestSuite provides end-to-end workflow tests for the
// grants service.
type GrantsIntegrationTestSuite struct {
	suite.Suite
	service *Service
	store   *mockStore
	ctx     context.Context
}

// SetupTest runs before each test in the suite.
func (s *GrantsIntegrationTestSuite) SetupTest() {
	s.service, s.store = newTestService()
	s.ctx = context.Background()
}

// TestProvisioningWorkflow tests the full grant lifecycle:
// baseline → provision → read-back → replace → deprovision.
func (s *GrantsIntegrationTestSuite) TestProvisioningWorkflow() {
	t := s.T()

	// Step 1: publish the unrestricted baseline
	require.NoError(t, s.service.Put(s.ctx, NewSet(Everyone, false,
		Application{Name: "status-page"},
		Role{Name: "viewer", Description: "Read-only default"},
	)))

	// Step 2: provision a service account
	require.NoError(t, s.service.Put(s.ctx, NewSet("svc-checkout", false,
		Application{Name: "checkout", Environment: "prod"},
		Account{Name: "payments", Owner: "platform-team"},
		Role{Name: "deployer"},
	)))

	// Step 3: read back the merged view
	set, err := s.service.Get(s.ctx, "svc-checkout")
	require.NoError(t, err)
	assert.False(t, set.Admin)
	assert.True(t, set.Has(TypeApplication, "checkout"))
	assert.True(t, set.Has(TypeAccount, "payments"))
	assert.True(t, set.Has(TypeApplication, "status-page"), "baseline must be merged in")
	assert.True(t, set.Has(TypeRole, "viewer"))

	// Step 4: replace with a narrower set; everything else is revoked
	require.NoError(t, s.service.Put(s.ctx, NewSet("svc-checkout", false,
		Application{Name: "billing", Environment: "prod"},
	)))

	set, err = s.service.Get(s.ctx, "svc-checkout")
	require.NoError(t, err)
	assert.True(t, set.Has(TypeApplication, "billing"))
	assert.False(t, set.Has(TypeApplication, "checkout"))
	assert.False(t, set.Has(TypeAccount, "payments"))

	// Step 5: deprovision
	require.NoError(t, s.service.Remove(s.ctx, "svc-checkout"))
	_, err = s.service.Get(s.ctx, "svc-checkout")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestResyncWorkflow tests a full-universe resynchronization: changed
// principals converge, principals absent from the batch disappear, and an
// empty batch leaves everything alone.
func (s *GrantsIntegrationTestSuite) TestResyncWorkflow() {
	t := s.T()

	require.NoError(t, s.service.Put(s.ctx, NewSet("svc-legacy", false, Application{Name: "legacy"})))
	require.NoError(t, s.service.Put(s.ctx, NewSet("svc-api", false, Role{Name: "ops"})))

	universe := []*Set{
		NewSet("svc-api", true, Role{Name: "ops"}, Application{Name: "api", Environment: "prod"}),
		NewSet("svc-web", false, Application{Name: "web", Environment: "prod"}),
	}
	require.NoError(t, s.service.PutAll(s.ctx, universe))

	all, err := s.service.GetAll(s.ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3) // svc-api, svc-web, and the unrestricted entry
	assert.Contains(t, all, "svc-api")
	assert.Contains(t, all, "svc-web")
	assert.NotContains(t, all, "svc-legacy")
	assert.True(t, all["svc-api"].Admin)
	assert.True(t, all["svc-api"].Has(TypeApplication, "api"))

	// An empty refresh must not wipe the universe.
	require.NoError(t, s.service.PutAll(s.ctx, nil))

	all, err = s.service.GetAll(s.ctx)
	require.NoError(t, err)
	assert.Contains(t, all, "svc-api")
	assert.Contains(t, all, "svc-web")
}

// TestRoleDirectoryWorkflow tests the three role-filtered read modes.
func (s *GrantsIntegrationTestSuite) TestRoleDirectoryWorkflow() {
	t := s.T()

	require.NoError(t, s.service.Put(s.ctx, NewSet(Everyone, false, Role{Name: "viewer"})))
	require.NoError(t, s.service.Put(s.ctx, NewSet("alice", false, Role{Name: "deployer"})))
	require.NoError(t, s.service.Put(s.ctx, NewSet("bob", false, Role{Name: "deployer"}, Role{Name: "ops"})))
	require.NoError(t, s.service.Put(s.ctx, NewSet("carol", false, Role{Name: "ops"})))

	deployers, err := s.service.GetAllByRoles(s.ctx, []string{"deployer"})
	require.NoError(t, err)
	assert.Contains(t, deployers, "alice")
	assert.Contains(t, deployers, "bob")
	assert.NotContains(t, deployers, "carol")
	assert.Contains(t, deployers, Everyone)
	assert.True(t, deployers["alice"].Has(TypeRole, "viewer"), "baseline must be merged into filtered reads")

	unrestrictedOnly, err := s.service.GetAllByRoles(s.ctx, []string{})
	require.NoError(t, err)
	assert.Len(t, unrestrictedOnly, 1)
	assert.Contains(t, unrestrictedOnly, Everyone)

	everyone, err := s.service.GetAllByRoles(s.ctx, nil)
	require.NoError(t, err)
	assert.Len(t, everyone, 4)
}

// TestBaselineRefreshWorkflow tests that re-publishing the unrestricted set
// moves the generation and the cache serves the new value.
func (s *GrantsIntegrationTestSuite) TestBaselineRefreshWorkflow() {
	t := s.T()

	require.NoError(t, s.service.Put(s.ctx, NewSet(Everyone, false, Application{Name: "status-page"})))

	first, err := s.service.Unrestricted(s.ctx)
	require.NoError(t, err)
	assert.True(t, first.Has(TypeApplication, "status-page"))
	assert.False(t, first.Has(TypeRole, "viewer"))

	require.NoError(t, s.service.Put(s.ctx, NewSet(Everyone, false,
		Application{Name: "status-page"},
		Role{Name: "viewer"},
	)))

	second, err := s.service.Unrestricted(s.ctx)
	require.NoError(t, err)
	assert.True(t, second.Has(TypeRole, "viewer"), "a new baseline generation must be re-read")
}

// ============================================================================
// TEST SUITE RUNNER
// ============================================================================

// TestGrantsIntegrationSuite runs the integration test suite.
func TestGrantsIntegrationSuite(t *testing.T) {
	suite.Run(t, new(GrantsIntegrationTestSuite))
}
