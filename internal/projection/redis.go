// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/energyhub/permission-mediation/pkg/core"
)

const maxWatchRetries = 5

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisView stores each request as JSON under <prefix>permission:<id> and
// indexes it in a per-status sorted set scored by creation time, so the
// staleness query is a single range scan.
type RedisView struct {
	client *redis.Client
	prefix string
}

func NewRedisView(client *redis.Client, prefix string) *RedisView {
	return &RedisView{client: client, prefix: prefix}
}

func (r *RedisView) key(permissionID string) string {
	return r.prefix + "permission:" + permissionID
}

func (r *RedisView) statusKey(status core.Status) string {
	return r.prefix + "permission:status:" + string(status)
}

func (r *RedisView) Put(ctx context.Context, pr core.PermissionRequest) error {
	data, err := json.Marshal(pr)
	if err != nil {
		return fmt.Errorf("marshal permission request: %w", err)
	}
	key := r.key(pr.PermissionID)

	txf := func(tx *redis.Tx) error {
		cur, found, err := r.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if found && cur.Version >= pr.Version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if found && cur.Status != pr.Status {
				pipe.ZRem(ctx, r.statusKey(cur.Status), pr.PermissionID)
			}
			pipe.ZAdd(ctx, r.statusKey(pr.Status), redis.Z{
				Score:  float64(pr.Created.UnixMilli()),
				Member: pr.PermissionID,
			})
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err = r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%w: redis projection %s", core.ErrConcurrencyConflict, pr.PermissionID)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisView) read(ctx context.Context, g getter, key string) (core.PermissionRequest, bool, error) {
	var pr core.PermissionRequest
	data, err := g.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return pr, false, nil
	}
	if err != nil {
		return pr, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, &pr); err != nil {
		return pr, false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return pr, true, nil
}

func (r *RedisView) Get(ctx context.Context, permissionID string) (core.PermissionRequest, bool, error) {
	return r.read(ctx, r.client, r.key(permissionID))
}

func (r *RedisView) FindByStatus(ctx context.Context, status core.Status) ([]core.PermissionRequest, error) {
	ids, err := r.client.ZRange(ctx, r.statusKey(status), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis status index %s: %w", status, err)
	}
	return r.load(ctx, ids, status)
}

func (r *RedisView) FindStale(ctx context.Context, status core.Status, cutoff time.Time) ([]core.PermissionRequest, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.statusKey(status), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis stale scan %s: %w", status, err)
	}
	prs, err := r.load(ctx, ids, status)
	if err != nil {
		return nil, err
	}
	// Millisecond scores can admit a request created within the cutoff
	// millisecond.
	result := prs[:0]
	for _, pr := range prs {
		if pr.Created.Before(cutoff) {
			result = append(result, pr)
		}
	}
	return result, nil
}

// load fetches the documents behind index members. Entries whose document
// has moved to another status in the meantime are skipped.
func (r *RedisView) load(ctx context.Context, ids []string, status core.Status) ([]core.PermissionRequest, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	result := make([]core.PermissionRequest, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var pr core.PermissionRequest
		if err := json.Unmarshal([]byte(s), &pr); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", keys[i], err)
		}
		if pr.Status != status {
			continue
		}
		result = append(result, pr)
	}
	sortByCreated(result)
	return result, nil
}

func (r *RedisView) Delete(ctx context.Context, permissionID string) error {
	cur, found, err := r.Get(ctx, permissionID)
	if err != nil || !found {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(permissionID))
		pipe.ZRem(ctx, r.statusKey(cur.Status), permissionID)
		return nil
	})
	return err
}

func (r *RedisView) Close() error {
	return r.client.Close()
}
