package seeder

import (
	"context"
	"log"

	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/auth"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/credit"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/entitlement"
)

const (
	TestAPIKey     = "test-api-key-12345"
	TestUserID     = "00000000-0000-0000-0000-000000000001"
	starterCredits = 500
)

func SeedTestAPIKey(ctx context.Context, store auth.Store) {
	apiKey := &auth.APIKey{
		UserID:  TestUserID,
		KeyHash: auth.HashKey(TestAPIKey),
		Label:   "seeded test key",
		Active:  true,
	}

	err := store.Create(ctx, apiKey)
	if err != nil {
		log.Printf("[Seeder] API key may already exist, skipping: %v", err)
		return
	}
	log.Printf("[Seeder] Test API key created successfully")
	log.Printf("[Seeder] Key: %s", TestAPIKey)
	log.Printf("[Seeder] UserID: %s", TestUserID)
}

// SeedTestAccount tops up the seeded user with starter credits and
// provisions the free tier so the account is usable immediately.
func SeedTestAccount(ctx context.Context, ledger *credit.Ledger, gate *entitlement.Gate) {
	if _, err := ledger.Grant(ctx, TestUserID, starterCredits, credit.GrantPromo, "seed:starter"); err != nil {
		log.Printf("[Seeder] starter credit grant failed: %v", err)
	} else {
		log.Printf("[Seeder] granted %d starter credits to %s", starterCredits, TestUserID)
	}

	if err := gate.Provision(ctx, TestUserID, entitlement.TierFree); err != nil {
		log.Printf("[Seeder] free tier provisioning failed: %v", err)
	} else {
		log.Printf("[Seeder] provisioned free tier for %s", TestUserID)
	}
}
