// Package orders provides idempotent client order id generation. Every
// order sent to an exchange carries a client id so a timed-out placement can
// be retried without double-placing: the exchange rejects or echoes the
// original order for a repeated id.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// MaxClientOrderIDLength is the strictest limit across supported
	// exchanges (Binance futures allows 36).
	MaxClientOrderIDLength = 36

	// sequenceKeyPrefix is the redis key prefix for daily sequences.
	// Format: orderid:seq:{exchange}:{YYYYMMDD}
	sequenceKeyPrefix = "orderid:seq"
)

// OrderType suffixes distinguish related orders for the same position.
type OrderType string

const (
	OrderTypeEntry OrderType = "E"
	OrderTypeStop  OrderType = "S"
	OrderTypeExit  OrderType = "X"
)

var ErrIDTooLong = errors.New("client order id exceeds maximum length")

// Generator builds structured client order ids.
// Format: FTB-{DDMMM}-{NNNNN}-{TYPE} (e.g. "FTB-15JAN-00042-E").
// Fallback format when Redis is down: FTB-{8 char uuid}-{TYPE}.
type Generator struct {
	client   *redis.Client
	exchange string
	logger   zerolog.Logger
}

// NewGenerator creates a Generator for one exchange. client may be nil, in
// which case every id uses the uuid fallback.
func NewGenerator(client *redis.Client, exchange string, logger zerolog.Logger) *Generator {
	return &Generator{client: client, exchange: exchange, logger: logger}
}

// Generate returns a new client order id. The sequence comes from an atomic
// Redis INCR so concurrent generators never collide; when Redis is
// unavailable a uuid-based fallback keeps orders flowing.
func (g *Generator) Generate(ctx context.Context, orderType OrderType) (string, error) {
	now := time.Now().UTC()

	if g.client != nil {
		dateKey := now.Format("20060102")
		key := fmt.Sprintf("%s:%s:%s", sequenceKeyPrefix, g.exchange, dateKey)

		seq, err := g.client.Incr(ctx, key).Result()
		if err == nil {
			if seq == 1 {
				// First id of the day sets the key's expiry.
				g.client.Expire(ctx, key, 48*time.Hour)
			}
			id := fmt.Sprintf("FTB-%s-%05d-%s", strings.ToUpper(now.Format("02Jan")), seq, orderType)
			if len(id) > MaxClientOrderIDLength {
				return "", fmt.Errorf("%w: %q is %d characters", ErrIDTooLong, id, len(id))
			}
			return id, nil
		}
		g.logger.Warn().Err(err).Msg("redis unavailable for order id sequence, using fallback")
	}

	return g.generateFallback(orderType), nil
}

// generateFallback builds a collision-resistant id without Redis.
func (g *Generator) generateFallback(orderType OrderType) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("FTB-%s-%s", short, orderType)
}

// Related derives the id for a sibling order (e.g. the stop protecting an
// entry) by swapping the type suffix, so the pair is visible in exchange
// order history.
func Related(id string, orderType OrderType) string {
	idx := strings.LastIndex(id, "-")
	if idx < 0 {
		return fmt.Sprintf("%s-%s", id, orderType)
	}
	return fmt.Sprintf("%s-%s", id[:idx], orderType)
}
