package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/docflow-api/internal/models"
	"github.com/noah-isme/docflow-api/internal/repository"
)

type stubEntitlementStore struct {
	features    map[string]*models.Feature
	overrides   map[string]*models.UserFeatureOverride
	roleGrants  map[string]bool
	planGrants  map[string]*models.PlanFeature
	usage       map[string]int64
	listRows    []repository.UserEntitlementRow
	incremented int
}

func newStubEntitlementStore() *stubEntitlementStore {
	return &stubEntitlementStore{
		features:   map[string]*models.Feature{},
		overrides:  map[string]*models.UserFeatureOverride{},
		roleGrants: map[string]bool{},
		planGrants: map[string]*models.PlanFeature{},
		usage:      map[string]int64{},
	}
}

func (s *stubEntitlementStore) GetFeatureByCode(_ context.Context, code string) (*models.Feature, error) {
	if f, ok := s.features[code]; ok {
		return f, nil
	}
	return nil, sql.ErrNoRows
}

func (s *stubEntitlementStore) GetOverride(_ context.Context, userID, featureID string) (*models.UserFeatureOverride, error) {
	if o, ok := s.overrides[userID+"/"+featureID]; ok {
		return o, nil
	}
	return nil, sql.ErrNoRows
}

func (s *stubEntitlementStore) HasRolePermission(_ context.Context, role models.UserRole, featureID string) (bool, error) {
	return s.roleGrants[string(role)+"/"+featureID], nil
}

func (s *stubEntitlementStore) GetPlanFeature(_ context.Context, planID, featureID string) (*models.PlanFeature, error) {
	if pf, ok := s.planGrants[planID+"/"+featureID]; ok {
		return pf, nil
	}
	return nil, sql.ErrNoRows
}

func (s *stubEntitlementStore) GetUsage(_ context.Context, userID, featureID string, _ time.Time) (int64, error) {
	return s.usage[userID+"/"+featureID], nil
}

func (s *stubEntitlementStore) IncrementUsage(_ context.Context, userID, featureID string, _ time.Time, count int) (int64, error) {
	s.usage[userID+"/"+featureID] += int64(count)
	s.incremented++
	return s.usage[userID+"/"+featureID], nil
}

func (s *stubEntitlementStore) PruneUsage(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *stubEntitlementStore) ListForUser(_ context.Context, _ string, _ models.UserRole, _ *string, _ time.Time) ([]repository.UserEntitlementRow, error) {
	return s.listRows, nil
}

func fixtureFeature(code string, freeLimit int64, premium bool) *models.Feature {
	return &models.Feature{ID: "feat-" + code, Code: code, Name: code, Class: models.FeatureClassTool,
		FreeLimit: freeLimit, PremiumAccess: premium, Active: true}
}

func fixturePermission(code string) *models.Feature {
	return &models.Feature{ID: "feat-" + code, Code: code, Name: code, Class: models.FeatureClassPermission, Active: true}
}

func TestEntitlementSuperAdminShortCircuits(t *testing.T) {
	store := newStubEntitlementStore()
	store.features["pdf_merge"] = fixtureFeature("pdf_merge", 0, true)
	svc := NewEntitlementService(store, nil)

	admin := testUser("admin-1", models.RoleSuperAdmin)
	decision, err := svc.Check(context.Background(), admin, "pdf_merge")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, models.SourceSuperAdmin, decision.Source)
	require.Equal(t, models.Unlimited, decision.Limit)
}

func TestEntitlementOverrideDenyWins(t *testing.T) {
	store := newStubEntitlementStore()
	feature := fixtureFeature("pdf_merge", 5, false)
	store.features["pdf_merge"] = feature
	store.overrides["user-1/"+feature.ID] = &models.UserFeatureOverride{
		UserID: "user-1", FeatureID: feature.ID, Granted: false,
	}
	// Even a role grant would not rescue a disabled override.
	store.roleGrants[string(models.RoleUser)+"/"+feature.ID] = true
	svc := NewEntitlementService(store, nil)

	decision, err := svc.Check(context.Background(), testUser("user-1", models.RoleUser), "pdf_merge")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, models.SourceOverride, decision.Source)
}

func TestEntitlementExpiredOverrideIgnored(t *testing.T) {
	store := newStubEntitlementStore()
	feature := fixtureFeature("pdf_merge", 5, false)
	store.features["pdf_merge"] = feature
	past := time.Now().Add(-time.Hour)
	store.overrides["user-1/"+feature.ID] = &models.UserFeatureOverride{
		UserID: "user-1", FeatureID: feature.ID, Granted: true, ExpiresAt: &past,
	}
	svc := NewEntitlementService(store, nil)

	decision, err := svc.Check(context.Background(), testUser("user-1", models.RoleUser), "pdf_merge")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, models.SourceFreeTier, decision.Source)
	require.Equal(t, int64(5), decision.Limit)
}

func TestEntitlementPlanDailyLimit(t *testing.T) {
	store := newStubEntitlementStore()
	feature := fixtureFeature("ocr", 0, true)
	store.features["ocr"] = feature
	plan := "plan-premium"
	store.planGrants[plan+"/"+feature.ID] = &models.PlanFeature{PlanID: plan, FeatureID: feature.ID, Enabled: true, DailyLimit: 3}

	user := testUser("user-1", models.RoleUser)
	user.PlanID = &plan
	user.SubscriptionStatus = models.SubscriptionActive
	svc := NewEntitlementService(store, nil)

	store.usage["user-1/"+feature.ID] = 2
	decision, err := svc.Check(context.Background(), user, "ocr")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, models.SourcePlan, decision.Source)
	require.Equal(t, int64(1), decision.Remaining)

	store.usage["user-1/"+feature.ID] = 3
	decision, err = svc.Check(context.Background(), user, "ocr")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Zero(t, decision.Remaining)
}

func TestEntitlementPlanZeroLimitIsUnlimited(t *testing.T) {
	store := newStubEntitlementStore()
	feature := fixtureFeature("ocr", 0, true)
	store.features["ocr"] = feature
	plan := "plan-team"
	store.planGrants[plan+"/"+feature.ID] = &models.PlanFeature{PlanID: plan, FeatureID: feature.ID, Enabled: true, DailyLimit: 0}

	user := testUser("user-1", models.RoleUser)
	user.PlanID = &plan
	user.SubscriptionStatus = models.SubscriptionActive
	svc := NewEntitlementService(store, nil)

	decision, err := svc.Check(context.Background(), user, "ocr")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, models.Unlimited, decision.Limit)
}

func TestEntitlementSuspendedPlanFallsToFreeTier(t *testing.T) {
	store := newStubEntitlementStore()
	feature := fixtureFeature("pdf_merge", 3, false)
	store.features["pdf_merge"] = feature
	plan := "plan-premium"
	store.planGrants[plan+"/"+feature.ID] = &models.PlanFeature{PlanID: plan, FeatureID: feature.ID, Enabled: true, DailyLimit: 0}

	user := testUser("user-1", models.RoleUser)
	user.PlanID = &plan
	user.SubscriptionStatus = models.SubscriptionSuspended
	svc := NewEntitlementService(store, nil)

	decision, err := svc.Check(context.Background(), user, "pdf_merge")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, models.SourceFreeTier, decision.Source)
	require.Equal(t, int64(3), decision.Limit)
}

func TestEntitlementPlanDisabledDenies(t *testing.T) {
	store := newStubEntitlementStore()
	feature := fixtureFeature("ocr", 0, true)
	store.features["ocr"] = feature
	plan := "plan-basic"
	store.planGrants[plan+"/"+feature.ID] = &models.PlanFeature{PlanID: plan, FeatureID: feature.ID, Enabled: false, DailyLimit: 100}

	user := testUser("user-1", models.RoleUser)
	user.PlanID = &plan
	user.SubscriptionStatus = models.SubscriptionActive
	svc := NewEntitlementService(store, nil)

	// An explicit disable on the plan denies outright even with a limit set.
	decision, err := svc.Check(context.Background(), user, "ocr")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, models.SourcePlan, decision.Source)
}

func TestEntitlementPermissionClassDecidedByRole(t *testing.T) {
	store := newStubEntitlementStore()
	feature := fixturePermission("admin_panel")
	store.features["admin_panel"] = feature
	store.roleGrants[string(models.RoleAdmin)+"/"+feature.ID] = true
	// A plan grant must never rescue a permission-class feature.
	plan := "plan-premium"
	store.planGrants[plan+"/"+feature.ID] = &models.PlanFeature{PlanID: plan, FeatureID: feature.ID, Enabled: true, DailyLimit: 0}
	svc := NewEntitlementService(store, nil)

	admin := testUser("admin-1", models.RoleAdmin)
	decision, err := svc.Check(context.Background(), admin, "admin_panel")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, models.SourceRole, decision.Source)

	user := testUser("user-1", models.RoleUser)
	user.PlanID = &plan
	user.SubscriptionStatus = models.SubscriptionActive
	decision, err = svc.Check(context.Background(), user, "admin_panel")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, models.SourceRole, decision.Source)
}

func TestEntitlementPremiumOnlyDeniedWithoutPlan(t *testing.T) {
	store := newStubEntitlementStore()
	store.features["ai_chat"] = fixtureFeature("ai_chat", 0, true)
	svc := NewEntitlementService(store, nil)

	decision, err := svc.Check(context.Background(), testUser("user-1", models.RoleUser), "ai_chat")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, models.SourceDenied, decision.Source)
}

func TestEntitlementZeroFreeLimitDisallowed(t *testing.T) {
	store := newStubEntitlementStore()
	store.features["broken"] = fixtureFeature("broken", 0, false)
	svc := NewEntitlementService(store, nil)

	decision, err := svc.Check(context.Background(), testUser("user-1", models.RoleUser), "broken")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, models.SourceDenied, decision.Source)
}

func TestEntitlementRecordIncrements(t *testing.T) {
	store := newStubEntitlementStore()
	feature := fixtureFeature("pdf_merge", 5, false)
	store.features["pdf_merge"] = feature
	svc := NewEntitlementService(store, nil)

	user := testUser("user-1", models.RoleUser)
	require.NoError(t, svc.Record(context.Background(), user, "pdf_merge", 1))
	require.NoError(t, svc.Record(context.Background(), user, "pdf_merge", 1))
	require.Equal(t, int64(2), store.usage["user-1/"+feature.ID])

	// A batch records its member count in a single upsert.
	require.NoError(t, svc.Record(context.Background(), user, "pdf_merge", 3))
	require.Equal(t, int64(5), store.usage["user-1/"+feature.ID])
	require.Equal(t, 3, store.incremented)

	// Zero and negative counts are no-ops.
	require.NoError(t, svc.Record(context.Background(), user, "pdf_merge", 0))
	require.Equal(t, 3, store.incremented)
}

func TestEntitlementBulkListing(t *testing.T) {
	store := newStubEntitlementStore()
	granted := true
	enabled := true
	disabled := false
	limit := int64(10)
	store.listRows = []repository.UserEntitlementRow{
		{Feature: *fixtureFeature("a", 5, false), UsedToday: 2},
		{Feature: *fixtureFeature("b", 0, true), OverrideGranted: &granted},
		{Feature: *fixtureFeature("c", 0, true), PlanEnabled: &enabled, PlanLimit: &limit, UsedToday: 10},
		{Feature: *fixtureFeature("d", 0, true), PlanEnabled: &disabled, PlanLimit: &limit},
		{Feature: *fixturePermission("e"), RoleGranted: true},
	}
	svc := NewEntitlementService(store, nil)

	entitlements, err := svc.GetUserEntitlements(context.Background(), testUser("user-1", models.RoleUser))
	require.NoError(t, err)
	require.Len(t, entitlements, 5)

	require.True(t, entitlements[0].Allowed)
	require.Equal(t, string(models.SourceFreeTier), entitlements[0].Source)
	require.Equal(t, int64(3), entitlements[0].Remaining)

	require.True(t, entitlements[1].Allowed)
	require.Equal(t, string(models.SourceOverride), entitlements[1].Source)

	require.False(t, entitlements[2].Allowed)
	require.Equal(t, string(models.SourcePlan), entitlements[2].Source)

	require.False(t, entitlements[3].Allowed)
	require.Equal(t, string(models.SourcePlan), entitlements[3].Source)

	require.True(t, entitlements[4].Allowed)
	require.Equal(t, string(models.SourceRole), entitlements[4].Source)
}
