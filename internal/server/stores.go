package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/feedbackloop/creditmeter/internal/auth"
	"github.com/feedbackloop/creditmeter/internal/credits"
	"github.com/feedbackloop/creditmeter/internal/health"
	"github.com/feedbackloop/creditmeter/internal/messaging"
	"github.com/feedbackloop/creditmeter/internal/subscription"
	"github.com/feedbackloop/creditmeter/internal/tenant"
)

// stores groups the persistence the handlers run against.
type stores struct {
	keys        auth.Store
	tenants     tenant.Store
	ledgers     credits.Store
	projections subscription.ProjectionStore
	messageLog  messaging.LogStore
}

func memoryStores() stores {
	return stores{
		keys:        auth.NewMemoryStore(),
		tenants:     tenant.NewMemoryStore(),
		ledgers:     credits.NewMemoryStore(),
		projections: subscription.NewMemoryStore(),
		messageLog:  messaging.NewMemoryLogStore(),
	}
}

// openStores starts from in-memory stores and swaps in each configured
// backend: Postgres for everything, then Mongo for the ledger and Redis for
// projections when those are set.
func (s *Server) openStores(ctx context.Context) (stores, error) {
	st := memoryStores()

	if s.cfg.DatabaseURL != "" {
		db, err := openPostgres(ctx, s.cfg.DatabaseURL)
		if err != nil {
			return st, err
		}
		s.db = db
		s.health.Register("postgres", health.Postgres(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

		ledgerStore := credits.NewPostgresStore(db)
		if err := ledgerStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate credit ledger store", "error", err)
		}
		st.keys = auth.NewPostgresStore(db)
		st.tenants = tenant.NewPostgresStore(db)
		st.ledgers = ledgerStore
		st.projections = subscription.NewPostgresStore(db)
		st.messageLog = messaging.NewPostgresLogStore(db)
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	if s.cfg.MongoURL != "" {
		client, err := mongo.Connect(options.Client().ApplyURI(s.cfg.MongoURL))
		if err != nil {
			return st, fmt.Errorf("failed to open mongo: %w", err)
		}
		s.mongo = client
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx, nil); err != nil {
			return st, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		ledgerStore := credits.NewMongoStore(client.Database(s.cfg.MongoDatabase))
		if err := ledgerStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to create credit ledger indexes", "error", err)
		}
		st.ledgers = ledgerStore
		s.health.Register("mongo", health.Mongo(client))
		s.logger.Info("credit ledgers on MongoDB", "database", s.cfg.MongoDatabase)
	}

	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return st, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		s.redis = rdb
		if err := rdb.Ping(ctx).Err(); err != nil {
			return st, fmt.Errorf("failed to connect to redis: %w", err)
		}
		st.projections = subscription.NewRedisStore(rdb)
		s.health.Register("redis", health.Redis(rdb))
		s.logger.Info("profile projections on Redis")
	}

	return st, nil
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
