// Package entitlement maps subscription tiers onto feature sets and denies
// disallowed operations before they incur any provider cost.
package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/identity"
)

type Tier string

const (
	TierFree       Tier = "free"
	TierCreator    Tier = "creator"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// tierOrder is the capability ordering: every feature available at a tier
// is available at all higher tiers.
var tierOrder = []Tier{TierFree, TierCreator, TierPro, TierEnterprise}

// Rank returns the tier's position in the capability ordering; unknown
// tiers rank as free.
func (t Tier) Rank() int {
	for i, tier := range tierOrder {
		if tier == t {
			return i
		}
	}
	return 0
}

func (t Tier) AtLeast(other Tier) bool {
	return t.Rank() >= other.Rank()
}

type Feature string

const (
	FeatureChat          Feature = "chat"
	FeatureChatStreaming Feature = "chat_streaming"
	FeatureFileUploads   Feature = "file_uploads"
	FeatureUsageReports  Feature = "usage_reports"
	FeatureMultiAITeam   Feature = "multi_ai_team"
	FeaturePriorityRoute Feature = "priority_routing"
	FeatureAPIAccess     Feature = "api_access"
	FeatureBulkExport    Feature = "bulk_export"
	FeatureDedicated     Feature = "dedicated_models"
)

// tierAdds lists what each tier introduces on top of the one below it.
// The cumulative sets are therefore monotonically non-decreasing by
// construction.
var tierAdds = map[Tier][]Feature{
	TierFree:       {FeatureChat},
	TierCreator:    {FeatureChatStreaming, FeatureFileUploads},
	TierPro:        {FeatureMultiAITeam, FeatureUsageReports, FeatureAPIAccess},
	TierEnterprise: {FeaturePriorityRoute, FeatureBulkExport, FeatureDedicated},
}

// FeaturesForTier returns the full (cumulative) feature set for a tier.
func FeaturesForTier(t Tier) map[Feature]bool {
	features := make(map[Feature]bool)
	for _, tier := range tierOrder {
		for _, f := range tierAdds[tier] {
			features[f] = true
		}
		if tier == t {
			break
		}
	}
	return features
}

// LowestTierFor returns the cheapest tier whose default set grants the
// feature.
func LowestTierFor(f Feature) (Tier, bool) {
	for _, tier := range tierOrder {
		for _, added := range tierAdds[tier] {
			if added == f {
				return tier, true
			}
		}
	}
	return "", false
}

// Snapshot is a per-user entitlement view: tier defaults plus active manual
// grants. Cached copies are advisory; the store stays the source of truth.
type Snapshot struct {
	Tier     Tier             `json:"tier"`
	Features map[Feature]bool `json:"features"`
	CachedAt time.Time        `json:"cached_at"`
}

func (s *Snapshot) Has(f Feature) bool {
	return s.Features[f]
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (s *Snapshot) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, s)
}

type CheckResult struct {
	Allowed    bool   `json:"allowed"`
	Tier       Tier   `json:"tier"`
	UpgradeURL string `json:"upgrade_url,omitempty"`
}

// EntitlementError identifies the denied feature and the lowest tier that
// would grant it, so callers can render an actionable upgrade prompt.
type EntitlementError struct {
	Feature    Feature
	UserID     string
	Tier       Tier
	UpgradeURL string
}

func (e *EntitlementError) Error() string {
	return fmt.Sprintf("feature %s not available on tier %s for user %s", e.Feature, e.Tier, e.UserID)
}

type Subscription struct {
	UserID      string
	Tier        Tier
	Status      string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

type Grant struct {
	Feature   Feature
	ExpiresAt *time.Time
}

func (g Grant) Active(now time.Time) bool {
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}

type Store interface {
	// GetSubscription returns nil (no error) when the user has none.
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)
	GetGrants(ctx context.Context, userID string) ([]Grant, error)
	UpsertGrants(ctx context.Context, userID string, features []Feature) error
}

// Gate is the entitlement decision point. The cache is injected so a
// multi-instance deployment can swap the in-process cache for a shared one
// without touching call sites.
type Gate struct {
	store          Store
	cache          Cache
	upgradeBaseURL string
}

func NewGate(store Store, cache Cache, upgradeBaseURL string) *Gate {
	if upgradeBaseURL == "" {
		upgradeBaseURL = "https://javari.ai"
	}
	return &Gate{store: store, cache: cache, upgradeBaseURL: upgradeBaseURL}
}

// UserTierAndFeatures resolves tier defaults plus active manual grants.
// Manual grants only ever add features beyond the tier default. System and
// anonymous identities get the maximal set. A store failure fails open to
// the free tier's set: availability-preserving, but paid features never
// leak to callers the store cannot vouch for.
func (g *Gate) UserTierAndFeatures(ctx context.Context, userID string) (*Snapshot, error) {
	if identity.IsExempt(userID) {
		return &Snapshot{Tier: TierEnterprise, Features: FeaturesForTier(TierEnterprise), CachedAt: time.Now()}, nil
	}

	if snap, ok := g.cache.Get(ctx, userID); ok {
		return snap, nil
	}

	snap, err := g.load(ctx, userID)
	if err != nil {
		log.Printf("entitlement: store read failed for %s, failing open to free tier: %v", userID, err)
		return &Snapshot{Tier: TierFree, Features: FeaturesForTier(TierFree), CachedAt: time.Now()}, nil
	}

	g.cache.Set(ctx, userID, snap)
	return snap, nil
}

func (g *Gate) load(ctx context.Context, userID string) (*Snapshot, error) {
	tier := TierFree
	sub, err := g.store.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub != nil && sub.Status == "active" {
		tier = sub.Tier
	}

	features := FeaturesForTier(tier)

	grants, err := g.store.GetGrants(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, grant := range grants {
		if grant.Active(now) {
			features[grant.Feature] = true
		}
	}

	return &Snapshot{Tier: tier, Features: features, CachedAt: now}, nil
}

// Check reports the decision without treating denial as an error.
func (g *Gate) Check(ctx context.Context, userID string, feature Feature) CheckResult {
	snap, _ := g.UserTierAndFeatures(ctx, userID)
	if snap.Has(feature) {
		return CheckResult{Allowed: true, Tier: snap.Tier}
	}
	return CheckResult{
		Allowed:    false,
		Tier:       snap.Tier,
		UpgradeURL: g.upgradeURL(feature),
	}
}

// Enforce rejects the call with a structured error when the feature is not
// granted.
func (g *Gate) Enforce(ctx context.Context, userID string, feature Feature) error {
	res := g.Check(ctx, userID, feature)
	if res.Allowed {
		return nil
	}
	return &EntitlementError{
		Feature:    feature,
		UserID:     userID,
		Tier:       res.Tier,
		UpgradeURL: res.UpgradeURL,
	}
}

// EnforceAll checks every feature; the first denial wins.
func (g *Gate) EnforceAll(ctx context.Context, userID string, features ...Feature) error {
	for _, f := range features {
		if err := g.Enforce(ctx, userID, f); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate drops the cached snapshot. Tier-change operations must call
// this synchronously; a stale snapshot after an upgrade or downgrade is a
// correctness bug, not a tolerable staleness window.
func (g *Gate) Invalidate(ctx context.Context, userID string) {
	g.cache.Invalidate(ctx, userID)
}

// Provision idempotently writes the tier's feature set as durable grants
// and invalidates the cache. Subscription lifecycle callers use this on
// create/upgrade/downgrade.
func (g *Gate) Provision(ctx context.Context, userID string, tier Tier) error {
	set := FeaturesForTier(tier)
	features := make([]Feature, 0, len(set))
	for f := range set {
		features = append(features, f)
	}
	if err := g.store.UpsertGrants(ctx, userID, features); err != nil {
		return fmt.Errorf("failed to provision entitlements: %w", err)
	}
	g.Invalidate(ctx, userID)
	return nil
}

func (g *Gate) upgradeURL(feature Feature) string {
	tier, ok := LowestTierFor(feature)
	if !ok {
		return fmt.Sprintf("%s/pricing", g.upgradeBaseURL)
	}
	return fmt.Sprintf("%s/pricing?tier=%s&feature=%s", g.upgradeBaseURL, tier, feature)
}
