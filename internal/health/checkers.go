package health

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// DefaultTimeout bounds a single ping.
const DefaultTimeout = 2 * time.Second

// Ping adapts a ping function into a Checker.
func Ping(name string, ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
		if err := ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Postgres checks the SQL pool.
func Postgres(db *sql.DB) Checker {
	return Ping("postgres", db.PingContext)
}

// Redis checks the projection cache.
func Redis(rdb redis.UniversalClient) Checker {
	return Ping("redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
}

// Mongo checks the ledger document store.
func Mongo(client *mongo.Client) Checker {
	return Ping("mongo", func(ctx context.Context) error {
		return client.Ping(ctx, nil)
	})
}

// ReadyHandler reports 200 when every checker passes, 503 otherwise.
func (r *Registry) ReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		code := http.StatusOK
		status := "ready"
		if !healthy {
			code = http.StatusServiceUnavailable
			status = "not_ready"
		}
		c.JSON(code, gin.H{"status": status, "checks": statuses})
	}
}
