//go:build integration

package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"inboxrelay/internal/inbox/cache"
	"inboxrelay/internal/inbox/models"
	"inboxrelay/pkg/testutil/containers"
)

type RedisBackendSuite struct {
	suite.Suite
	redis   *containers.RedisContainer
	backend *cache.RedisBackend
}

func TestRedisBackendSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisBackendSuite))
}

func (s *RedisBackendSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.backend = cache.NewRedisBackend(s.redis.Client, cache.WithTTL(time.Minute))
}

func (s *RedisBackendSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisBackendSuite) TestSetGetDelete() {
	ctx := context.Background()
	now := time.Now()
	req := models.ApprovalRequest{
		Subject:   "alice",
		RequestID: uuid.New(),
		Requester: "manager",
		CreatedAt: now,
		Deadline:  now.Add(20 * time.Second),
	}

	_, ok, err := s.backend.Get(ctx, req.Key())
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.backend.Set(ctx, req))
	got, ok, err := s.backend.Get(ctx, req.Key())
	s.Require().NoError(err)
	s.Require().True(ok)
	s.True(req.Equal(got))

	ttl, err := s.redis.Client.TTL(ctx, "inbox:request:"+req.Key().String()).Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Duration(0))

	s.Require().NoError(s.backend.Delete(ctx, req.Key()))
	_, ok, err = s.backend.Get(ctx, req.Key())
	s.Require().NoError(err)
	s.False(ok)
}

func (s *RedisBackendSuite) TestCorruptEntryIsMiss() {
	ctx := context.Background()
	key := models.Key{Subject: "alice", RequestID: uuid.New()}
	s.Require().NoError(s.redis.Client.Set(ctx, "inbox:request:"+key.String(), "{not json", 0).Err())

	_, ok, err := s.backend.Get(ctx, key)
	s.Require().NoError(err)
	s.False(ok)
}
