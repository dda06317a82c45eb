package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"aisiem/internal/store"
	"aisiem/pkg/models"
)

// RedisConfig configures Redis access for incident persistence.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps one hash per incident plus sorted sets of open and closed ids
// scored by last activity.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a Redis-backed incident store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis incident store: %w", err)
	}
	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "aisiem:incidents"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// UpsertIncident stores the snapshot unless a newer revision is already present. The
// revision check and the write run in one optimistic transaction on the incident key.
func (s *RedisStore) UpsertIncident(ctx context.Context, inc *models.Incident) error {
	if inc == nil || inc.ID == "" {
		return errors.New("incident id is empty")
	}
	payload, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshal incident %s: %w", inc.ID, err)
	}
	key := s.incidentKey(inc.ID)

	txf := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "revision").Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && cur > inc.Revision {
			return nil
		}

		score := float64(inc.EndTS.UnixMilli())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"status", string(inc.Status),
				"revision", strconv.FormatInt(inc.Revision, 10),
				"end_ts", strconv.FormatInt(inc.EndTS.UnixMilli(), 10),
				"payload", string(payload),
			)
			if inc.Status == models.StatusOpen {
				pipe.ZAdd(ctx, s.openSetKey(), redis.Z{Score: score, Member: inc.ID})
				pipe.ZRem(ctx, s.closedSetKey(), inc.ID)
			} else {
				pipe.ZRem(ctx, s.openSetKey(), inc.ID)
				pipe.ZAdd(ctx, s.closedSetKey(), redis.Z{Score: score, Member: inc.ID})
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("upsert incident %s: %w", inc.ID, err)
	}
	return nil
}

// GetIncident returns the stored snapshot of id.
func (s *RedisStore) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	payload, err := s.client.HGet(ctx, s.incidentKey(id), "payload").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
		}
		return nil, fmt.Errorf("read incident %s: %w", id, err)
	}
	var inc models.Incident
	if err := json.Unmarshal([]byte(payload), &inc); err != nil {
		return nil, fmt.Errorf("decode incident %s: %w", id, err)
	}
	return &inc, nil
}

// ListIncidents returns incidents with the given status, most recently active first.
// An empty status lists open incidents followed by closed ones.
func (s *RedisStore) ListIncidents(ctx context.Context, status models.Status, limit int) ([]*models.Incident, error) {
	var sets []string
	switch status {
	case models.StatusOpen:
		sets = []string{s.openSetKey()}
	case models.StatusClosed:
		sets = []string{s.closedSetKey()}
	default:
		sets = []string{s.openSetKey(), s.closedSetKey()}
	}

	var out []*models.Incident
	for _, set := range sets {
		stop := int64(-1)
		if limit > 0 {
			stop = int64(limit-len(out)) - 1
			if stop < 0 {
				break
			}
		}
		ids, err := s.client.ZRevRange(ctx, set, 0, stop).Result()
		if err != nil {
			return nil, fmt.Errorf("read incident set %s: %w", set, err)
		}
		for _, id := range ids {
			inc, err := s.GetIncident(ctx, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, err
			}
			out = append(out, inc)
		}
	}
	return out, nil
}

// Close closes Redis resources.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) incidentKey(id string) string {
	return s.prefix + ":incident:" + id
}

func (s *RedisStore) openSetKey() string {
	return s.prefix + ":open"
}

func (s *RedisStore) closedSetKey() string {
	return s.prefix + ":closed"
}

var _ store.IncidentStore = (*RedisStore)(nil)
