package storage

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"
)

// CleanupStats summarises one cleanup pass.
type CleanupStats struct {
	ChecksDeleted        int `json:"checks_deleted"`
	CheckEntitiesRemoved int `json:"check_entities_removed"`
	AlertsDeleted        int `json:"alerts_deleted"`
	AlertEntitiesRemoved int `json:"alert_entities_removed"`
}

// Cleanup removes keys belonging to checks and alerts that are absent from
// the authoritative maps, or present with a narrower entity set. All
// multi-key deletes for one id go through a single pipeline.
func (s *RedisStore) Cleanup(ctx context.Context, checkEntities map[int][]string, alertEntities map[int][]string) (*CleanupStats, error) {
	stats := &CleanupStats{}

	if err := s.cleanupChecks(ctx, checkEntities, stats); err != nil {
		return stats, err
	}
	if err := s.cleanupAlerts(ctx, alertEntities, stats); err != nil {
		return stats, err
	}

	s.logger.Info("Cleanup finished",
		zap.Int("checks_deleted", stats.ChecksDeleted),
		zap.Int("check_entities_removed", stats.CheckEntitiesRemoved),
		zap.Int("alerts_deleted", stats.AlertsDeleted),
		zap.Int("alert_entities_removed", stats.AlertEntitiesRemoved))
	return stats, nil
}

func (s *RedisStore) cleanupChecks(ctx context.Context, authoritative map[int][]string, stats *CleanupStats) error {
	known, err := s.rdb.SMembers(ctx, keyChecks).Result()
	if err != nil {
		return fmt.Errorf("failed to list known checks: %w", err)
	}

	for _, member := range known {
		checkID, err := strconv.Atoi(member)
		if err != nil {
			continue
		}
		stored, err := s.rdb.SMembers(ctx, checkEntitiesKey(checkID)).Result()
		if err != nil {
			return fmt.Errorf("failed to list entities of check %d: %w", checkID, err)
		}

		wanted, keep := authoritative[checkID]
		if !keep {
			pipe := s.rdb.Pipeline()
			for _, entity := range stored {
				pipe.Del(ctx, checkResultsKey(checkID, entity))
			}
			pipe.Del(ctx, checkEntitiesKey(checkID))
			pipe.SRem(ctx, keyChecks, member)
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("failed to delete check %d: %w", checkID, err)
			}
			stats.ChecksDeleted++
			stats.CheckEntitiesRemoved += len(stored)
			continue
		}

		wantedSet := toSet(wanted)
		pipe := s.rdb.Pipeline()
		removed := 0
		for _, entity := range stored {
			if _, ok := wantedSet[entity]; ok {
				continue
			}
			pipe.SRem(ctx, checkEntitiesKey(checkID), entity)
			pipe.Del(ctx, checkResultsKey(checkID, entity))
			removed++
		}
		if removed > 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("failed to prune check %d: %w", checkID, err)
			}
			stats.CheckEntitiesRemoved += removed
		}
	}
	return nil
}

func (s *RedisStore) cleanupAlerts(ctx context.Context, authoritative map[int][]string, stats *CleanupStats) error {
	known, err := s.knownAlertIDs(ctx)
	if err != nil {
		return err
	}

	for alertID := range known {
		stored, err := s.storedAlertEntities(ctx, alertID)
		if err != nil {
			return err
		}

		wanted, keep := authoritative[alertID]
		if !keep {
			pipe := s.rdb.Pipeline()
			for entity := range stored {
				pipe.Del(ctx, alertStateKey(alertID, entity))
				pipe.Del(ctx, notificationsKey(alertID, entity))
			}
			pipe.Del(ctx, alertEntitiesKey(alertID))
			pipe.Del(ctx, alertCapturesKey(alertID))
			pipe.SRem(ctx, keyAlerts, strconv.Itoa(alertID))
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("failed to delete alert %d: %w", alertID, err)
			}
			stats.AlertsDeleted++
			stats.AlertEntitiesRemoved += len(stored)
			continue
		}

		wantedSet := toSet(wanted)
		pipe := s.rdb.Pipeline()
		removed := 0
		for entity := range stored {
			if _, ok := wantedSet[entity]; ok {
				continue
			}
			pipe.SRem(ctx, alertEntitiesKey(alertID), entity)
			pipe.HDel(ctx, alertCapturesKey(alertID), entity)
			pipe.Del(ctx, alertStateKey(alertID, entity))
			pipe.Del(ctx, notificationsKey(alertID, entity))
			removed++
		}
		if removed > 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("failed to prune alert %d: %w", alertID, err)
			}
			stats.AlertEntitiesRemoved += removed
		}

		remaining, err := s.rdb.SCard(ctx, alertEntitiesKey(alertID)).Result()
		if err != nil {
			return fmt.Errorf("failed to check alert %d entity set: %w", alertID, err)
		}
		if remaining == 0 {
			if err := s.rdb.SRem(ctx, keyAlerts, strconv.Itoa(alertID)).Err(); err != nil {
				return fmt.Errorf("failed to deregister alert %d: %w", alertID, err)
			}
		}
	}
	return nil
}

// knownAlertIDs collects alert ids from the global active set and from a
// scan over per-alert keys, so stale state keys are found even when the
// alert is no longer in the active set.
func (s *RedisStore) knownAlertIDs(ctx context.Context) (map[int]struct{}, error) {
	ids := make(map[int]struct{})

	active, err := s.rdb.SMembers(ctx, keyAlerts).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active alerts: %w", err)
	}
	for _, member := range active {
		if id, err := strconv.Atoi(member); err == nil {
			ids[id] = struct{}{}
		}
	}

	iter := s.rdb.Scan(ctx, 0, "zmon:alerts:*", 1000).Iterator()
	for iter.Next(ctx) {
		var id int
		if _, err := fmt.Sscanf(iter.Val(), "zmon:alerts:%d", &id); err == nil {
			ids[id] = struct{}{}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan alert keys: %w", err)
	}
	return ids, nil
}

// storedAlertEntities unions the alert's active entity set with the keys of
// its captures hash.
func (s *RedisStore) storedAlertEntities(ctx context.Context, alertID int) (map[string]struct{}, error) {
	entities := make(map[string]struct{})

	members, err := s.rdb.SMembers(ctx, alertEntitiesKey(alertID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list entities of alert %d: %w", alertID, err)
	}
	for _, e := range members {
		entities[e] = struct{}{}
	}

	fields, err := s.rdb.HKeys(ctx, alertCapturesKey(alertID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list captures of alert %d: %w", alertID, err)
	}
	for _, e := range fields {
		entities[e] = struct{}{}
	}
	return entities, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
