// Package storage persists check results and alert state in the shared
// Redis KV store. The key layout is shared with external actors and must
// not change:
//
//	zmon:checks                                set of check ids
//	zmon:checks:<check_id>                     set of entity ids
//	zmon:checks:<check_id>:<entity_id>         bounded list of results
//	zmon:alerts                                set of active alert ids
//	zmon:alerts:<alert_id>                     set of active entity ids
//	zmon:alerts:<alert_id>:entities            hash entity -> captures
//	zmon:alerts:<alert_id>:<entity_id>         alert state JSON
//	zmon:notifications:<alert_id>:<entity_id>  hash expr -> repeat deadline
//	zmon:downtimes[:<alert_id>[:<entity_id>]]  downtime index
//	zmon:active_downtimes                      set of active downtime ids
//	zmon:metrics:<worker>:<counter>            worker counters
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/model"
)

// ResultStore is the persistence surface used by the check runner and the
// alert state machine.
type ResultStore interface {
	// StoreResult appends a result to the per-(check, entity) history,
	// trims it to historySize and registers the check and entity ids.
	StoreResult(ctx context.Context, checkID int, entityID string, result *model.CheckResult, historySize int) error

	// History returns up to n most recent results, newest first.
	History(ctx context.Context, checkID int, entityID string, n int) ([]model.CheckResult, error)

	// AddAlertEntity adds the entity to the alert's active set and the
	// alert to the global active set. It reports whether membership
	// changed.
	AddAlertEntity(ctx context.Context, alertID int, entityID string) (bool, error)

	// RemoveAlertEntity removes the entity from the alert's active set,
	// dropping the alert from the global set when its active set empties.
	// It reports whether membership changed.
	RemoveAlertEntity(ctx context.Context, alertID int, entityID string) (bool, error)

	// SetCaptures persists the per-pair capture map.
	SetCaptures(ctx context.Context, alertID int, entityID string, captures map[string]interface{}) error

	// SetAlertState persists the alert state snapshot for a pair.
	SetAlertState(ctx context.Context, alertID int, entityID string, state *model.AlertState) error

	// GetAlertState returns the stored state for a pair, or nil.
	GetAlertState(ctx context.Context, alertID int, entityID string) (*model.AlertState, error)

	// DeleteAlertState removes the state snapshot and the notification
	// repeat table for a pair in one pipeline.
	DeleteAlertState(ctx context.Context, alertID int, entityID string) error

	// NotificationDeadline returns the stored repeat deadline for a
	// notification expression, reporting whether one exists.
	NotificationDeadline(ctx context.Context, alertID int, entityID, expression string) (float64, bool, error)

	// SetNotificationDeadline stores the repeat deadline for an expression.
	SetNotificationDeadline(ctx context.Context, alertID int, entityID, expression string, deadline float64) error

	// Downtimes returns the downtime map for a pair, keyed by downtime id.
	Downtimes(ctx context.Context, alertID int, entityID string) (map[string]model.Downtime, error)

	// RemoveDowntimes deletes expired downtime entries, removing the pair
	// from the downtime index when the map empties.
	RemoveDowntimes(ctx context.Context, alertID int, entityID string, ids []string) error

	// AddActiveDowntime reports whether the downtime was newly activated.
	AddActiveDowntime(ctx context.Context, id string) (bool, error)

	// RemoveActiveDowntime reports whether the downtime was newly expired.
	RemoveActiveDowntime(ctx context.Context, id string) (bool, error)

	// GroupMembers resolves a notification group to its member addresses.
	GroupMembers(ctx context.Context, group string, activeOnly bool) ([]string, error)

	// IncrCounter increments a per-worker counter.
	IncrCounter(ctx context.Context, worker, counter string, delta int64) error

	// StoreTrialRunResult writes a trial-run result to its short-lived
	// location.
	StoreTrialRunResult(ctx context.Context, trialID, entityID string, payload interface{}) error

	// Cleanup removes keys for checks and alerts absent from the
	// authoritative maps. See CleanupStats.
	Cleanup(ctx context.Context, checkEntities map[int][]string, alertEntities map[int][]string) (*CleanupStats, error)
}

const (
	keyChecks          = "zmon:checks"
	keyAlerts          = "zmon:alerts"
	keyDowntimes       = "zmon:downtimes"
	keyActiveDowntimes = "zmon:active_downtimes"
	keyMetrics         = "zmon:metrics"

	trialRunTTL = 300 * time.Second
)

func checkEntitiesKey(checkID int) string {
	return fmt.Sprintf("zmon:checks:%d", checkID)
}

func checkResultsKey(checkID int, entityID string) string {
	return fmt.Sprintf("zmon:checks:%d:%s", checkID, entityID)
}

func alertEntitiesKey(alertID int) string {
	return fmt.Sprintf("zmon:alerts:%d", alertID)
}

func alertCapturesKey(alertID int) string {
	return fmt.Sprintf("zmon:alerts:%d:entities", alertID)
}

func alertStateKey(alertID int, entityID string) string {
	return fmt.Sprintf("zmon:alerts:%d:%s", alertID, entityID)
}

func notificationsKey(alertID int, entityID string) string {
	return fmt.Sprintf("zmon:notifications:%d:%s", alertID, entityID)
}

func downtimesAlertKey(alertID int) string {
	return fmt.Sprintf("zmon:downtimes:%d", alertID)
}

func downtimesPairKey(alertID int, entityID string) string {
	return fmt.Sprintf("zmon:downtimes:%d:%s", alertID, entityID)
}

// RedisStore implements ResultStore against a Redis connection.
type RedisStore struct {
	logger *zap.Logger
	rdb    *redis.Client
}

// NewRedisStore creates a Redis-backed result store.
func NewRedisStore(rdb *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		logger: logger.Named("storage"),
		rdb:    rdb,
	}
}

// StoreResult implements ResultStore.StoreResult.
func (s *RedisStore) StoreResult(ctx context.Context, checkID int, entityID string, result *model.CheckResult, historySize int) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal check result: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, keyChecks, strconv.Itoa(checkID))
	pipe.SAdd(ctx, checkEntitiesKey(checkID), entityID)
	pipe.LPush(ctx, checkResultsKey(checkID, entityID), data)
	pipe.LTrim(ctx, checkResultsKey(checkID, entityID), 0, int64(historySize-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store check result: %w", err)
	}
	return nil
}

// History implements ResultStore.History.
func (s *RedisStore) History(ctx context.Context, checkID int, entityID string, n int) ([]model.CheckResult, error) {
	raw, err := s.rdb.LRange(ctx, checkResultsKey(checkID, entityID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read result history: %w", err)
	}
	results := make([]model.CheckResult, 0, len(raw))
	for _, item := range raw {
		var r model.CheckResult
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			s.logger.Warn("Skipping unparseable history entry",
				zap.Int("check_id", checkID),
				zap.String("entity", entityID),
				zap.Error(err))
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

// AddAlertEntity implements ResultStore.AddAlertEntity.
func (s *RedisStore) AddAlertEntity(ctx context.Context, alertID int, entityID string) (bool, error) {
	pipe := s.rdb.Pipeline()
	added := pipe.SAdd(ctx, alertEntitiesKey(alertID), entityID)
	pipe.SAdd(ctx, keyAlerts, strconv.Itoa(alertID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to add alert entity: %w", err)
	}
	return added.Val() == 1, nil
}

// RemoveAlertEntity implements ResultStore.RemoveAlertEntity.
func (s *RedisStore) RemoveAlertEntity(ctx context.Context, alertID int, entityID string) (bool, error) {
	removed, err := s.rdb.SRem(ctx, alertEntitiesKey(alertID), entityID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove alert entity: %w", err)
	}
	remaining, err := s.rdb.SCard(ctx, alertEntitiesKey(alertID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check alert entity set: %w", err)
	}
	if remaining == 0 {
		if err := s.rdb.SRem(ctx, keyAlerts, strconv.Itoa(alertID)).Err(); err != nil {
			return false, fmt.Errorf("failed to deregister alert: %w", err)
		}
	}
	return removed == 1, nil
}

// SetCaptures implements ResultStore.SetCaptures.
func (s *RedisStore) SetCaptures(ctx context.Context, alertID int, entityID string, captures map[string]interface{}) error {
	if captures == nil {
		captures = map[string]interface{}{}
	}
	data, err := json.Marshal(captures)
	if err != nil {
		return fmt.Errorf("failed to marshal captures: %w", err)
	}
	if err := s.rdb.HSet(ctx, alertCapturesKey(alertID), entityID, data).Err(); err != nil {
		return fmt.Errorf("failed to store captures: %w", err)
	}
	return nil
}

// SetAlertState implements ResultStore.SetAlertState.
func (s *RedisStore) SetAlertState(ctx context.Context, alertID int, entityID string, state *model.AlertState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal alert state: %w", err)
	}
	if err := s.rdb.Set(ctx, alertStateKey(alertID, entityID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store alert state: %w", err)
	}
	return nil
}

// GetAlertState implements ResultStore.GetAlertState.
func (s *RedisStore) GetAlertState(ctx context.Context, alertID int, entityID string) (*model.AlertState, error) {
	data, err := s.rdb.Get(ctx, alertStateKey(alertID, entityID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read alert state: %w", err)
	}
	var state model.AlertState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert state: %w", err)
	}
	return &state, nil
}

// DeleteAlertState implements ResultStore.DeleteAlertState.
func (s *RedisStore) DeleteAlertState(ctx context.Context, alertID int, entityID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, alertStateKey(alertID, entityID))
	pipe.Del(ctx, notificationsKey(alertID, entityID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete alert state: %w", err)
	}
	return nil
}

// NotificationDeadline implements ResultStore.NotificationDeadline.
func (s *RedisStore) NotificationDeadline(ctx context.Context, alertID int, entityID, expression string) (float64, bool, error) {
	data, err := s.rdb.HGet(ctx, notificationsKey(alertID, entityID), expression).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read notification deadline: %w", err)
	}
	deadline, err := strconv.ParseFloat(data, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt notification deadline %q: %w", data, err)
	}
	return deadline, true, nil
}

// SetNotificationDeadline implements ResultStore.SetNotificationDeadline.
func (s *RedisStore) SetNotificationDeadline(ctx context.Context, alertID int, entityID, expression string, deadline float64) error {
	value := strconv.FormatFloat(deadline, 'f', -1, 64)
	if err := s.rdb.HSet(ctx, notificationsKey(alertID, entityID), expression, value).Err(); err != nil {
		return fmt.Errorf("failed to store notification deadline: %w", err)
	}
	return nil
}

// Downtimes implements ResultStore.Downtimes.
func (s *RedisStore) Downtimes(ctx context.Context, alertID int, entityID string) (map[string]model.Downtime, error) {
	raw, err := s.rdb.HGetAll(ctx, downtimesPairKey(alertID, entityID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read downtimes: %w", err)
	}
	downtimes := make(map[string]model.Downtime, len(raw))
	for id, item := range raw {
		var d model.Downtime
		if err := json.Unmarshal([]byte(item), &d); err != nil {
			s.logger.Warn("Skipping unparseable downtime",
				zap.Int("alert_id", alertID),
				zap.String("entity", entityID),
				zap.String("downtime_id", id),
				zap.Error(err))
			continue
		}
		if d.ID == "" {
			d.ID = id
		}
		downtimes[id] = d
	}
	return downtimes, nil
}

// RemoveDowntimes implements ResultStore.RemoveDowntimes.
func (s *RedisStore) RemoveDowntimes(ctx context.Context, alertID int, entityID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	fields := make([]string, len(ids))
	copy(fields, ids)
	if err := s.rdb.HDel(ctx, downtimesPairKey(alertID, entityID), fields...).Err(); err != nil {
		return fmt.Errorf("failed to delete downtimes: %w", err)
	}
	remaining, err := s.rdb.HLen(ctx, downtimesPairKey(alertID, entityID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check downtime map: %w", err)
	}
	if remaining == 0 {
		pipe := s.rdb.Pipeline()
		pipe.SRem(ctx, downtimesAlertKey(alertID), entityID)
		pipe.SRem(ctx, keyDowntimes, strconv.Itoa(alertID))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to prune downtime index: %w", err)
		}
	}
	return nil
}

// AddActiveDowntime implements ResultStore.AddActiveDowntime.
func (s *RedisStore) AddActiveDowntime(ctx context.Context, id string) (bool, error) {
	added, err := s.rdb.SAdd(ctx, keyActiveDowntimes, id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark downtime active: %w", err)
	}
	return added == 1, nil
}

// RemoveActiveDowntime implements ResultStore.RemoveActiveDowntime.
func (s *RedisStore) RemoveActiveDowntime(ctx context.Context, id string) (bool, error) {
	removed, err := s.rdb.SRem(ctx, keyActiveDowntimes, id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark downtime expired: %w", err)
	}
	return removed == 1, nil
}

// GroupMembers implements ResultStore.GroupMembers.
func (s *RedisStore) GroupMembers(ctx context.Context, group string, activeOnly bool) ([]string, error) {
	suffix := "members"
	if activeOnly {
		suffix = "active"
	}
	members, err := s.rdb.SMembers(ctx, fmt.Sprintf("zmon:group:%s:%s", group, suffix)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve group %s: %w", group, err)
	}
	return members, nil
}

// IncrCounter implements ResultStore.IncrCounter.
func (s *RedisStore) IncrCounter(ctx context.Context, worker, counter string, delta int64) error {
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, keyMetrics, worker)
	pipe.IncrBy(ctx, fmt.Sprintf("zmon:metrics:%s:%s", worker, counter), delta)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment counter %s: %w", counter, err)
	}
	return nil
}

// StoreTrialRunResult implements ResultStore.StoreTrialRunResult.
func (s *RedisStore) StoreTrialRunResult(ctx context.Context, trialID, entityID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal trial run result: %w", err)
	}
	key := fmt.Sprintf("zmon:trial_run:%s:results", trialID)
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, entityID, data)
	pipe.Expire(ctx, key, trialRunTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store trial run result: %w", err)
	}
	return nil
}
