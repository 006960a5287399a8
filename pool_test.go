package main

import (
	"testing"
)

func testCatalog() []*FingerprintProfile {
	return []*FingerprintProfile{
		{ID: "a", Platform: PlatformDesktop},
		{ID: "b", Platform: PlatformAndroid},
		{ID: "c", Platform: PlatformIOS},
		{ID: "d", Platform: PlatformAndroid},
	}
}

func TestNewIdentityPoolRejectsEmptyCatalog(t *testing.T) {
	if _, err := NewIdentityPool(nil, ""); err == nil {
		t.Fatal("expected error for empty catalog")
	}
}

func TestNewIdentityPoolRejectsDuplicateIDs(t *testing.T) {
	catalog := []*FingerprintProfile{
		{ID: "dup", Platform: PlatformDesktop},
		{ID: "dup", Platform: PlatformAndroid},
	}
	if _, err := NewIdentityPool(catalog, ""); err == nil {
		t.Fatal("expected error for duplicate profile id")
	}
}

func TestRoundRobinVisitsEveryProfileOnce(t *testing.T) {
	pool, err := NewIdentityPool(testCatalog(), "")
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]int)
	for range 4 {
		seen[pool.Next(StrategyRoundRobin).ID]++
	}

	if len(seen) != 4 {
		t.Fatalf("expected 4 distinct profiles in one cycle, got %d: %v", len(seen), seen)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("profile %s chosen %d times in one cycle", id, n)
		}
	}
}

func TestBlockedProfileIsNeverReturned(t *testing.T) {
	catalog := []*FingerprintProfile{
		{ID: "a", Platform: PlatformDesktop},
		{ID: "b", Platform: PlatformDesktop},
	}
	pool, err := NewIdentityPool(catalog, "")
	if err != nil {
		t.Fatal(err)
	}

	pool.Block("a")
	for i := range 5 {
		if got := pool.Next(StrategyRoundRobin); got.ID != "b" {
			t.Fatalf("call %d: got blocked profile %s, want b", i, got.ID)
		}
	}
}

func TestFullyBlockedPoolResetsInsteadOfStalling(t *testing.T) {
	pool, err := NewIdentityPool(testCatalog(), "")
	if err != nil {
		t.Fatal(err)
	}

	for _, p := range testCatalog() {
		pool.Block(p.ID)
	}

	got := pool.Current()
	if got == nil {
		t.Fatal("Current returned nil after full block")
	}
	if stats := pool.Stats(); stats.BlockedCount != 0 {
		t.Errorf("blocked set not cleared after full block: %d remaining", stats.BlockedCount)
	}
}

func TestLeastUsedPicksMinimumUsage(t *testing.T) {
	pool, err := NewIdentityPool(testCatalog(), "")
	if err != nil {
		t.Fatal(err)
	}

	// Warm b up so it is no longer a minimum.
	first := pool.Next(StrategyRoundRobin)
	if first.ID != "b" {
		t.Fatalf("setup: expected round-robin to land on b, got %s", first.ID)
	}

	got := pool.Next(StrategyLeastUsed)
	if got.ID == "b" {
		t.Fatalf("least-used picked the most-used profile %s", got.ID)
	}
	if usage := pool.Stats().UsageStats[got.ID]; usage != 1 {
		t.Errorf("chosen profile usage = %d, want 1", usage)
	}
}

func TestLeastUsedTieBreaksInCatalogOrder(t *testing.T) {
	pool, err := NewIdentityPool(testCatalog(), "")
	if err != nil {
		t.Fatal(err)
	}
	if got := pool.Next(StrategyLeastUsed); got.ID != "a" {
		t.Fatalf("all-zero usage tie should pick first catalog entry, got %s", got.ID)
	}
}

func TestRandomReturnsCatalogMember(t *testing.T) {
	pool, err := NewIdentityPool(testCatalog(), "")
	if err != nil {
		t.Fatal(err)
	}
	valid := map[string]bool{"a": true, "b": true, "c": true, "d": true}
	for range 20 {
		if got := pool.Next(StrategyRandom); !valid[got.ID] {
			t.Fatalf("random chose unknown profile %s", got.ID)
		}
	}
}

func TestPlatformStickyStaysOnPlatform(t *testing.T) {
	pool, err := NewIdentityPool(testCatalog(), "")
	if err != nil {
		t.Fatal(err)
	}

	// a is the only desktop profile, so sticky rotation wraps back to it.
	current := pool.Current()
	if current.ID != "a" {
		t.Fatalf("setup: expected to start on a, got %s", current.ID)
	}
	if got := pool.Next(StrategyPlatformSticky); got.Platform != PlatformDesktop {
		t.Fatalf("sticky left the platform with a candidate still open: %s", got.Platform)
	}

	// With two android profiles, sticky must advance within the platform.
	pool2, _ := NewIdentityPool(testCatalog(), PlatformAndroid)
	start := pool2.Current()
	if start.Platform != PlatformAndroid {
		t.Fatalf("preferred platform filter ignored: started on %s", start.Platform)
	}
	next := pool2.Next(StrategyPlatformSticky)
	if next.Platform != PlatformAndroid {
		t.Errorf("sticky left the platform: %s", next.Platform)
	}
	if next.ID == start.ID {
		t.Errorf("sticky did not advance within the platform")
	}
}

func TestPreferredPlatformNarrowsSelection(t *testing.T) {
	pool, err := NewIdentityPool(testCatalog(), PlatformIOS)
	if err != nil {
		t.Fatal(err)
	}
	for range 6 {
		if got := pool.Next(StrategyRoundRobin); got.Platform != PlatformIOS {
			t.Fatalf("preferred ios but got %s (%s)", got.ID, got.Platform)
		}
	}
}

func TestPreferredPlatformFallsBackWhenExhausted(t *testing.T) {
	pool, err := NewIdentityPool(testCatalog(), PlatformIOS)
	if err != nil {
		t.Fatal(err)
	}
	pool.Block("c") // the only ios profile

	got := pool.Next(StrategyRoundRobin)
	if got == nil {
		t.Fatal("pool stalled with preferred platform fully blocked")
	}
	if got.ID == "c" {
		t.Error("blocked profile returned")
	}
}

func TestUnblockRestoresProfile(t *testing.T) {
	catalog := []*FingerprintProfile{
		{ID: "a", Platform: PlatformDesktop},
		{ID: "b", Platform: PlatformDesktop},
	}
	pool, _ := NewIdentityPool(catalog, "")

	pool.Block("a")
	pool.Unblock("a")

	seen := make(map[string]bool)
	for range 4 {
		seen[pool.Next(StrategyRoundRobin).ID] = true
	}
	if !seen["a"] {
		t.Error("unblocked profile never returned")
	}
}

func TestStatsSnapshotIsIndependent(t *testing.T) {
	pool, _ := NewIdentityPool(testCatalog(), "")
	pool.Next(StrategyRoundRobin)

	stats := pool.Stats()
	stats.UsageStats["a"] = 99

	if pool.Stats().UsageStats["a"] == 99 {
		t.Error("Stats leaked internal usage map")
	}
}
