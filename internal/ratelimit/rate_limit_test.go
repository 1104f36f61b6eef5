/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type LimitersTestSuite struct {
	suite.Suite
}

func TestLimiters(t *testing.T) {
	suite.Run(t, new(LimitersTestSuite))
}

func (s *LimitersTestSuite) TestInvalidRate() {
	_, err := NewLeakyBucketLimiter(Rate{Count: 0, Duration: time.Second}, 0, 10)
	s.Error(err)
	_, err = NewSlidingWindowLimiter(Rate{Count: 1}, 10)
	s.Error(err)
}

func (s *LimitersTestSuite) TestLeakyBucket() {
	limiter, err := NewLeakyBucketLimiter(Rate{Count: 1, Duration: time.Minute}, 1, 100)
	s.Require().NoError(err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allow, _, allowErr := limiter.Allow(ctx, "client-a")
		s.Require().NoError(allowErr)
		s.True(allow, "request #%d", i+1)
	}
	allow, retryAfter, err := limiter.Allow(ctx, "client-a")
	s.Require().NoError(err)
	s.False(allow)
	s.Greater(retryAfter, time.Duration(0))

	allow, _, err = limiter.Allow(ctx, "client-b")
	s.Require().NoError(err)
	s.True(allow, "keys are limited independently")
}

func (s *LimitersTestSuite) TestSlidingWindow() {
	limiter, err := NewSlidingWindowLimiter(Rate{Count: 2, Duration: time.Minute}, 100)
	s.Require().NoError(err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allow, _, allowErr := limiter.Allow(ctx, "client-a")
		s.Require().NoError(allowErr)
		s.True(allow)
	}
	allow, retryAfter, err := limiter.Allow(ctx, "client-a")
	s.Require().NoError(err)
	s.False(allow)
	s.Greater(retryAfter, time.Duration(0))
	s.LessOrEqual(retryAfter, time.Minute)

	allow, _, err = limiter.Allow(ctx, "client-b")
	s.Require().NoError(err)
	s.True(allow)
}

func (s *LimitersTestSuite) TestSlidingWindowSharedKey() {
	limiter, err := NewSlidingWindowLimiter(Rate{Count: 1, Duration: time.Minute}, 0)
	s.Require().NoError(err)
	allow, _, _ := limiter.Allow(context.Background(), "a")
	s.True(allow)
	allow, _, _ = limiter.Allow(context.Background(), "b")
	s.False(allow)
}
