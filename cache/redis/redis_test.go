package redis

import (
	"os"
	"testing"

	"github.com/skilder-ai/toolgate/cache"
	"github.com/skilder-ai/toolgate/cache/cachetest"
	"github.com/skilder-ai/toolgate/internal/testredis"
)

func TestMain(m *testing.M) {
	os.Exit(testredis.Run(m))
}

func TestConformance(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) cache.Cache {
		c, err := New(testredis.Client(t))
		if err != nil {
			t.Fatal(err)
		}
		return c
	})
}
