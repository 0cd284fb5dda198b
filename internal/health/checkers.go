package health

import (
	"context"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type databaseChecker struct {
	db *gorm.DB
}

func NewDatabaseChecker(db *gorm.DB) Checker {
	return databaseChecker{db: db}
}

func (c databaseChecker) Check(ctx context.Context) CheckResult {
	res := CheckResult{Name: "database"}
	sqlDB, err := c.db.DB()
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Healthy = true
	return res
}

// redisChecker reports redis health for visibility only. The session
// registry degrades to durable-only mode without redis, so readiness
// wiring should treat this checker as optional.
type redisChecker struct {
	client *redis.Client
}

func NewRedisChecker(client *redis.Client) Checker {
	return redisChecker{client: client}
}

func (c redisChecker) Check(ctx context.Context) CheckResult {
	res := CheckResult{Name: "redis"}
	if c.client == nil {
		res.Error = "redis client not configured"
		return res
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Healthy = true
	return res
}
