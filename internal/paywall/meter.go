package paywall

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// countScript adds an article to the visitor's set unless the set is already
// full. Re-reads are always allowed. The TTL starts with the first article.
var countScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
  return {1, redis.call('SCARD', KEYS[1])}
end
local n = redis.call('SCARD', KEYS[1])
if n >= tonumber(ARGV[2]) then
  return {0, n}
end
redis.call('SADD', KEYS[1], ARGV[1])
if n == 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return {1, n + 1}
`)

// Meter tracks distinct gated articles per visitor in Redis sets.
type Meter struct {
	client redis.Cmdable
	cfg    Config
}

// NewMeter wraps client. A FreeArticles of zero turns gated posts into a hard paywall.
func NewMeter(client redis.Cmdable, cfg Config) *Meter {
	return &Meter{client: client, cfg: cfg.withDefaults()}
}

func (m *Meter) Limit() int {
	return m.cfg.FreeArticles
}

func (m *Meter) key(visitor string) string {
	return m.cfg.KeyPrefix + visitor
}

// Record counts postID against visitor and reports whether reading it is
// allowed along with how many articles the visitor has used.
func (m *Meter) Record(ctx context.Context, visitor, postID string) (allowed bool, used int, err error) {
	res, err := countScript.Run(ctx, m.client, []string{m.key(visitor)},
		postID, m.cfg.FreeArticles, m.cfg.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("record meter: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("record meter: unexpected reply %v", res)
	}
	return res[0] == 1, int(res[1]), nil
}
