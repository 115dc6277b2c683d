package seeder

import (
	"context"
	"log"

	"github.com/llmgate/gemini-proxy/internal/auth"
)

const (
	TestUserID = "00000000-0000-0000-0000-000000000001"
	TestEmail  = "test@example.com"
)

// SeedTestProfile provisions a free-tier test profile so local requests have
// a user to bill against. GetOrCreate makes re-runs harmless.
func SeedTestProfile(ctx context.Context, store auth.ProfileStore) {
	profile, err := store.GetOrCreate(ctx, TestUserID, TestEmail)
	if err != nil {
		log.Printf("[Seeder] failed to seed test profile: %v", err)
		return
	}
	log.Printf("[Seeder] Test profile ready")
	log.Printf("[Seeder] UserID: %s", profile.UserID)
	log.Printf("[Seeder] Tier: %s", profile.Tier)
}
