package kv

import (
	"context"
	"fmt"
	"time"
)

// firewallCacheTTL bounds how stale auth, scope, and rule data may get.
const firewallCacheTTL = 5 * time.Minute

// negativeEntry marks API-key hashes known not to resolve to a project,
// so repeated garbage keys do not hammer Postgres.
const negativeEntry = "null"

func authCacheKey(keyHash string) string {
	return "firewall:auth:" + keyHash
}

func scopeCacheKey(projectID string) string {
	return "firewall:scope:" + projectID
}

func rulesCacheKey(projectID string) string {
	return "firewall:rules:" + projectID
}

// AuthCacheGet looks up a cached API-key resolution by sha256 hash.
// negative is true when the hash is cached as unknown.
func (s *Store) AuthCacheGet(ctx context.Context, keyHash string) (payload string, found, negative bool, err error) {
	raw, found, err := s.Get(ctx, authCacheKey(keyHash))
	if err != nil || !found {
		return "", false, false, err
	}
	if raw == negativeEntry {
		return "", true, true, nil
	}
	return raw, true, false, nil
}

// AuthCacheSet caches a successful API-key resolution.
func (s *Store) AuthCacheSet(ctx context.Context, keyHash, payload string) error {
	return s.Set(ctx, authCacheKey(keyHash), payload, firewallCacheTTL)
}

// AuthCacheSetNegative caches a failed API-key lookup.
func (s *Store) AuthCacheSetNegative(ctx context.Context, keyHash string) error {
	return s.Set(ctx, authCacheKey(keyHash), negativeEntry, firewallCacheTTL)
}

// InvalidateAuth drops a cached key resolution, e.g. after key rotation.
func (s *Store) InvalidateAuth(ctx context.Context, keyHash string) error {
	return s.Del(ctx, authCacheKey(keyHash))
}

// ScopeCacheGet returns the cached project scope JSON.
func (s *Store) ScopeCacheGet(ctx context.Context, projectID string) (string, bool, error) {
	return s.Get(ctx, scopeCacheKey(projectID))
}

// ScopeCacheSet caches the project scope JSON.
func (s *Store) ScopeCacheSet(ctx context.Context, projectID, payload string) error {
	return s.Set(ctx, scopeCacheKey(projectID), payload, firewallCacheTTL)
}

// InvalidateScope drops the cached scope after a project update.
func (s *Store) InvalidateScope(ctx context.Context, projectID string) error {
	return s.Del(ctx, scopeCacheKey(projectID))
}

// RulesCacheGet returns the cached firewall rule set JSON.
func (s *Store) RulesCacheGet(ctx context.Context, projectID string) (string, bool, error) {
	return s.Get(ctx, rulesCacheKey(projectID))
}

// RulesCacheSet caches the firewall rule set JSON.
func (s *Store) RulesCacheSet(ctx context.Context, projectID, payload string) error {
	return s.Set(ctx, rulesCacheKey(projectID), payload, firewallCacheTTL)
}

// InvalidateRules drops the cached rule set after a rule mutation.
func (s *Store) InvalidateRules(ctx context.Context, projectID string) error {
	return s.Del(ctx, rulesCacheKey(projectID))
}

// InvalidateProject drops every cached artifact for a project.
func (s *Store) InvalidateProject(ctx context.Context, projectID string) error {
	if err := s.Del(ctx, scopeCacheKey(projectID), rulesCacheKey(projectID)); err != nil {
		return fmt.Errorf("invalidate project caches: %w", err)
	}
	return nil
}
