package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func OpenRedis(addr string, db int) (*redis.Client, error) {
	r := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return r, nil
}

// DailyLimits tracks per-partner borrow volume in a day-scoped counter.
// Keys expire on their own; the limit comparison lives in the caller.
type DailyLimits struct {
	rdb *redis.Client
	now func() time.Time
}

func NewDailyLimits(rdb *redis.Client) *DailyLimits {
	return &DailyLimits{rdb: rdb, now: func() time.Time { return time.Now().UTC() }}
}

func (d *DailyLimits) key(partnerID string) string {
	return fmt.Sprintf("partner:daily:%s:%s", partnerID, d.now().Format("2006-01-02"))
}

func (d *DailyLimits) AddDaily(ctx context.Context, partnerID string, amount int64) (int64, error) {
	key := d.key(partnerID)
	used, err := d.rdb.IncrBy(ctx, key, amount).Result()
	if err != nil {
		return 0, err
	}
	// First increment of the day sets the expiry; 48h covers clock skew.
	d.rdb.ExpireNX(ctx, key, 48*time.Hour)
	return used, nil
}

func (d *DailyLimits) SubDaily(ctx context.Context, partnerID string, amount int64) error {
	return d.rdb.DecrBy(ctx, d.key(partnerID), amount).Err()
}
