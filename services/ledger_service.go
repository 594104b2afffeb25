package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/status"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/models"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/monitoring"
)

// Redis key layout:
//
//	inventory:{ticketTypeID}  hash: total, reserved, sold, max_per_purchase, status
//	reservation:{id}          hash: ticket_type_id, order_ref, quantity, expires_at
//	reservations:expiry       zset: member=reservation id, score=expiry unix
//
// All counter mutations go through Lua scripts so the check-and-increment is
// atomic per ticket type. Different ticket types live under different keys
// and never contend.
const (
	inventoryKeyPrefix   = "inventory:"
	reservationKeyPrefix = "reservation:"
	expiryIndexKey       = "reservations:expiry"
)

const reserveScript = `
local total = tonumber(redis.call('HGET', KEYS[1], 'total'))
if not total then
  return {-1, 'unknown'}
end
local state = redis.call('HGET', KEYS[1], 'status')
if state ~= 'active' then
  return {-2, 'unavailable'}
end
local qty = tonumber(ARGV[1])
local maxper = tonumber(redis.call('HGET', KEYS[1], 'max_per_purchase') or '0')
if maxper > 0 and qty > maxper then
  return {-3, 'limit'}
end
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
local sold = tonumber(redis.call('HGET', KEYS[1], 'sold') or '0')
if reserved + sold + qty > total then
  return {-4, 'insufficient'}
end
redis.call('HINCRBY', KEYS[1], 'reserved', qty)
redis.call('HSET', KEYS[2], 'ticket_type_id', ARGV[4], 'order_ref', ARGV[3], 'quantity', ARGV[1], 'expires_at', ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[2])
return {1, 'reserved'}
`

const finalizeScript = `
local tt = redis.call('HGET', KEYS[1], 'ticket_type_id')
if not tt then
  return {0, 'settled'}
end
local qty = tonumber(redis.call('HGET', KEYS[1], 'quantity'))
local inv = 'inventory:' .. tt
redis.call('HINCRBY', inv, 'reserved', -qty)
redis.call('HINCRBY', inv, 'sold', qty)
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return {1, 'finalized'}
`

const releaseScript = `
local tt = redis.call('HGET', KEYS[1], 'ticket_type_id')
if not tt then
  return {0, 'settled'}
end
local qty = tonumber(redis.call('HGET', KEYS[1], 'quantity'))
redis.call('HINCRBY', 'inventory:' .. tt, 'reserved', -qty)
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return {1, 'released'}
`

// releaseExpiredScript re-checks the expiry inside the script so a Finalize
// racing the sweep can never be undone: once the reservation record is gone
// the sweep only removes the stale index entry.
const releaseExpiredScript = `
local ref = redis.call('HGET', KEYS[1], 'order_ref')
if not ref then
  redis.call('ZREM', KEYS[2], ARGV[1])
  return {0, '', '', 0}
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at') or '0')
if expires > tonumber(ARGV[2]) then
  return {0, '', '', 0}
end
local tt = redis.call('HGET', KEYS[1], 'ticket_type_id')
local qty = tonumber(redis.call('HGET', KEYS[1], 'quantity'))
redis.call('HINCRBY', 'inventory:' .. tt, 'reserved', -qty)
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return {1, ref, tt, qty}
`

// syncScript refreshes the counters from the durable record. total is
// immutable downwards once tickets are sold: shrinking it under reserved+sold
// would break the capacity invariant, so a decrease after the first sale
// keeps the current value.
const syncScript = `
local current = tonumber(redis.call('HGET', KEYS[1], 'total'))
local sold = tonumber(redis.call('HGET', KEYS[1], 'sold') or '0')
local total = tonumber(ARGV[1])
if current and sold > 0 and total < current then
  total = current
end
redis.call('HSET', KEYS[1], 'total', total, 'max_per_purchase', ARGV[2], 'status', ARGV[3])
redis.call('HSETNX', KEYS[1], 'reserved', 0)
redis.call('HSETNX', KEYS[1], 'sold', 0)
if total ~= tonumber(ARGV[1]) then
  return {0, 'kept'}
end
return {1, 'synced'}
`

type LedgerService struct {
	Redis *redis.Client

	newID func() string
	now   func() time.Time
}

func NewLedgerService(redisClient *redis.Client) *LedgerService {
	return &LedgerService{
		Redis: redisClient,
		newID: func() string { return uuid.New().String() },
		now:   time.Now,
	}
}

// ExpiredReservation reports a reservation the sweep returned to the pool.
type ExpiredReservation struct {
	ReservationID string
	OrderRef      string
	TicketTypeID  string
	Quantity      int
}

// SyncTicketType seeds the live counters for a ticket type from its durable
// record. max and status always follow the record; reserved and sold are
// only initialized when absent so live counts survive restarts, and total
// never shrinks once tickets are sold.
func (s *LedgerService) SyncTicketType(ctx context.Context, tt *models.TicketType) error {
	keys := []string{inventoryKeyPrefix + tt.ID}

	result, err := s.Redis.Eval(ctx, syncScript, keys,
		tt.TotalQuantity, tt.MaxPerPurchase, tt.Status).Result()
	if err != nil {
		return fmt.Errorf("ledger: sync ticket type %s: %w", tt.ID, err)
	}

	if code, _ := scriptReply(result); code == 0 {
		slog.Warn("Total decrease below sold capacity ignored",
			"ticket_type_id", tt.ID, "requested_total", tt.TotalQuantity)
	}
	return nil
}

// Reserve atomically claims quantity against a ticket type for one order.
// The claim expires at now+ttl unless finalized or released first.
func (s *LedgerService) Reserve(ctx context.Context, ticketTypeID string, quantity int, orderRef string, ttl time.Duration) (string, error) {
	if quantity <= 0 {
		return "", status.ErrQuantityExceedsLimit
	}

	reservationID := s.newID()
	expiresAt := s.now().Add(ttl).Unix()

	keys := []string{
		inventoryKeyPrefix + ticketTypeID,
		reservationKeyPrefix + reservationID,
		expiryIndexKey,
	}
	result, err := s.Redis.Eval(ctx, reserveScript, keys,
		quantity, reservationID, orderRef, ticketTypeID, expiresAt).Result()
	if err != nil {
		return "", fmt.Errorf("ledger: reserve %s: %w", ticketTypeID, err)
	}

	code, reason := scriptReply(result)
	switch code {
	case 1:
		monitoring.TrackReservation("reserved")
		return reservationID, nil
	case -1:
		monitoring.TrackReservation("unknown_ticket_type")
		return "", status.ErrTicketTypeUnknown
	case -2:
		monitoring.TrackReservation("unavailable")
		return "", status.ErrTicketTypeUnavailable
	case -3:
		monitoring.TrackReservation("limit")
		return "", status.ErrQuantityExceedsLimit
	case -4:
		monitoring.TrackReservation("insufficient")
		return "", status.ErrInsufficientInventory
	default:
		return "", fmt.Errorf("ledger: reserve %s: unexpected reply %d %q", ticketTypeID, code, reason)
	}
}

// Finalize moves a reservation's quantity from reserved to sold. A missing
// reservation means it was already finalized or released; that is a no-op so
// duplicate gateway callbacks stay harmless.
func (s *LedgerService) Finalize(ctx context.Context, reservationID string) error {
	keys := []string{reservationKeyPrefix + reservationID, expiryIndexKey}
	result, err := s.Redis.Eval(ctx, finalizeScript, keys, reservationID).Result()
	if err != nil {
		return fmt.Errorf("ledger: finalize %s: %w", reservationID, err)
	}

	if code, _ := scriptReply(result); code == 0 {
		slog.Info("Finalize on settled reservation ignored", "reservation_id", reservationID)
	}
	return nil
}

// Release returns a reservation's quantity to the pool. Idempotent for the
// same reason Finalize is.
func (s *LedgerService) Release(ctx context.Context, reservationID string) error {
	keys := []string{reservationKeyPrefix + reservationID, expiryIndexKey}
	result, err := s.Redis.Eval(ctx, releaseScript, keys, reservationID).Result()
	if err != nil {
		return fmt.Errorf("ledger: release %s: %w", reservationID, err)
	}

	if code, _ := scriptReply(result); code == 0 {
		slog.Info("Release on settled reservation ignored", "reservation_id", reservationID)
	}
	return nil
}

// ReleaseExpired releases every reservation whose TTL has elapsed and
// reports them so the caller can expire the owning orders.
func (s *LedgerService) ReleaseExpired(ctx context.Context) ([]ExpiredReservation, error) {
	now := s.now().Unix()

	ids, err := s.Redis.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: scan expired: %w", err)
	}

	var expired []ExpiredReservation
	for _, id := range ids {
		keys := []string{reservationKeyPrefix + id, expiryIndexKey}
		result, err := s.Redis.Eval(ctx, releaseExpiredScript, keys, id, now).Result()
		if err != nil {
			slog.Error("Failed to release expired reservation", "reservation_id", id, "error", err)
			continue
		}

		reply, ok := result.([]interface{})
		if !ok || len(reply) < 4 {
			continue
		}
		if code, _ := toInt64(reply[0]); code != 1 {
			continue
		}

		qty, _ := toInt64(reply[3])
		expired = append(expired, ExpiredReservation{
			ReservationID: id,
			OrderRef:      toString(reply[1]),
			TicketTypeID:  toString(reply[2]),
			Quantity:      int(qty),
		})
		monitoring.TrackReservation("expired")
	}

	return expired, nil
}

// Snapshot reads the live counters for one ticket type.
func (s *LedgerService) Snapshot(ctx context.Context, ticketTypeID string) (*models.InventorySnapshot, error) {
	fields, err := s.Redis.HGetAll(ctx, inventoryKeyPrefix+ticketTypeID).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: snapshot %s: %w", ticketTypeID, err)
	}
	if len(fields) == 0 {
		return nil, status.ErrTicketTypeUnknown
	}

	total, _ := strconv.Atoi(fields["total"])
	reserved, _ := strconv.Atoi(fields["reserved"])
	sold, _ := strconv.Atoi(fields["sold"])

	return &models.InventorySnapshot{
		TicketTypeID: ticketTypeID,
		Total:        total,
		Reserved:     reserved,
		Sold:         sold,
		Status:       fields["status"],
	}, nil
}

func scriptReply(result interface{}) (int64, string) {
	reply, ok := result.([]interface{})
	if !ok || len(reply) < 2 {
		return 0, ""
	}
	code, _ := toInt64(reply[0])
	return code, toString(reply[1])
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	}
	return 0, false
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
