package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyLogFmt = "changelog:%s"

func logKey(documentID changes.DocumentID) string {
	return fmt.Sprintf(keyLogFmt, documentID.String())
}

// RedisLog stores each document history as a Redis list of JSON entries.
type RedisLog struct {
	rdb       redis.UniversalClient
	retention Retention
	logger    *zap.Logger
}

// NewRedisLog constructs a RedisLog.
func NewRedisLog(rdb redis.UniversalClient, retention Retention, logger *zap.Logger) (*RedisLog, error) {
	if rdb == nil {
		return nil, fmt.Errorf("changelog: redis client is required")
	}
	if err := retention.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLog{rdb: rdb, retention: retention, logger: logger}, nil
}

// Append pushes change, trims the list and refreshes its expiry in one transaction.
func (l *RedisLog) Append(ctx context.Context, change changes.DocumentChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("changelog: encode change %s: %w", change.ID, err)
	}
	key := logKey(change.DocumentID)
	tx := l.rdb.TxPipeline()
	tx.RPush(ctx, key, payload)
	tx.LTrim(ctx, key, int64(-l.retention.MaxEntries), -1)
	tx.Expire(ctx, key, l.retention.TTL)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("changelog: append %s: %w", key, err)
	}
	return nil
}

// Recent reads the whole retained list, oldest first. Undecodable entries are skipped.
func (l *RedisLog) Recent(ctx context.Context, documentID changes.DocumentID) ([]changes.DocumentChange, error) {
	key := logKey(documentID)
	raw, err := l.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("changelog: read %s: %w", key, err)
	}
	entries := make([]changes.DocumentChange, 0, len(raw))
	for index, item := range raw {
		var entry changes.DocumentChange
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			l.logger.Warn(
				"skipping undecodable change log entry",
				zap.String("key", key),
				zap.Int("index", index),
				zap.Error(err),
			)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Since returns entries newer than after.
func (l *RedisLog) Since(ctx context.Context, documentID changes.DocumentID, after time.Time) ([]changes.DocumentChange, error) {
	entries, err := l.Recent(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return filterAfter(entries, after), nil
}

// Remove deletes the list item holding changeID.
func (l *RedisLog) Remove(ctx context.Context, documentID changes.DocumentID, changeID string) error {
	key := logKey(documentID)
	raw, err := l.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("changelog: read %s: %w", key, err)
	}
	for _, item := range raw {
		var entry changes.DocumentChange
		if err := json.Unmarshal([]byte(item), &entry); err != nil || entry.ID != changeID {
			continue
		}
		if err := l.rdb.LRem(ctx, key, 1, item).Err(); err != nil {
			return fmt.Errorf("changelog: remove %s from %s: %w", changeID, key, err)
		}
		return nil
	}
	return nil
}
