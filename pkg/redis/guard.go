package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/reputation"
)

// Guard admits quality reports using Redis so that nonce and rate limits hold across replicas.
// Nonces are remembered for NonceTTL; each reporter may file Limit reports per Window.
type Guard struct {
	client   *Client
	Limit    int64
	Window   time.Duration
	NonceTTL time.Duration
	now      func() time.Time
}

var _ reputation.Guard = (*Guard)(nil)

func NewGuard(client *Client, limit int64, window, nonceTTL time.Duration) *Guard {
	if window <= 0 {
		window = time.Minute
	}
	if nonceTTL <= 0 {
		nonceTTL = 24 * time.Hour
	}
	return &Guard{client: client, Limit: limit, Window: window, NonceTTL: nonceTTL, now: time.Now}
}

func nonceKey(reporter, nonce string) string {
	return fmt.Sprintf("reputation:nonce:%s:%s", reporter, nonce)
}

func rateKey(reporter string, bucket int64) string {
	return fmt.Sprintf("reputation:rate:%s:%d", reporter, bucket)
}

func (g *Guard) Admit(ctx context.Context, reporter, nonce string) error {
	rdb := g.client.GetClient()
	if nonce != "" {
		fresh, err := rdb.SetNX(ctx, nonceKey(reporter, nonce), 1, g.NonceTTL).Result()
		if err != nil {
			return faults.Transient("admit nonce", err)
		}
		if !fresh {
			return fmt.Errorf("nonce %s: %w", nonce, faults.ErrDuplicate)
		}
	}
	if g.Limit <= 0 {
		return nil
	}

	key := rateKey(reporter, g.now().UnixNano()/int64(g.Window))
	pipe := rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*g.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return faults.Transient("admit rate", err)
	}
	if incr.Val() > g.Limit {
		return fmt.Errorf("reporter %s: %w", reporter, faults.ErrRateLimited)
	}
	return nil
}

// Release deletes the nonce key. The rate budget already spent by the attempt is not refunded.
func (g *Guard) Release(ctx context.Context, reporter, nonce string) error {
	if nonce == "" {
		return nil
	}
	if err := g.client.GetClient().Del(ctx, nonceKey(reporter, nonce)).Err(); err != nil {
		return faults.Transient("release nonce", err)
	}
	return nil
}
