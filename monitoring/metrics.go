package monitoring

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	reservationOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_operations_total",
			Help: "Reservation attempts by outcome",
		},
		[]string{"result"},
	)

	orderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Order status transitions by target status",
		},
		[]string{"to_status"},
	)

	callbackResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_callbacks_total",
			Help: "Inbound gateway callbacks by verification/processing result",
		},
		[]string{"result"},
	)

	notificationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confirmation_notifications_total",
			Help: "Confirmation email dispatch outcomes",
		},
		[]string{"outcome"},
	)

	inventoryAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inventory_available_total",
			Help: "Currently available (unreserved, unsold) tickets per type",
		},
		[]string{"ticket_type_id"},
	)

	inventorySold = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inventory_sold_total",
			Help: "Sold tickets per type",
		},
		[]string{"ticket_type_id"},
	)

	circuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions per breaker",
		},
		[]string{"name", "state"},
	)
)

func TrackReservation(result string) {
	reservationOperations.WithLabelValues(result).Inc()
}

func TrackOrderTransition(toStatus string) {
	orderTransitions.WithLabelValues(toStatus).Inc()
}

func TrackCallback(result string) {
	callbackResults.WithLabelValues(result).Inc()
}

func TrackNotification(outcome string) {
	notificationOutcomes.WithLabelValues(outcome).Inc()
}

func TrackCircuitState(name, state string) {
	circuitBreakerTransitions.WithLabelValues(name, state).Inc()
}

// Monitor polls the ledger's Redis counters into the inventory gauges.
type Monitor struct {
	redis *redis.Client
}

func NewMonitor(redisClient *redis.Client) *Monitor {
	return &Monitor{redis: redisClient}
}

func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Println("Inventory monitor started")

	for {
		select {
		case <-ticker.C:
			m.collectInventory(ctx)
		case <-ctx.Done():
			log.Println("Inventory monitor stopping")
			return
		}
	}
}

func (m *Monitor) collectInventory(ctx context.Context) {
	keys, err := m.redis.Keys(ctx, "inventory:*").Result()
	if err != nil {
		log.Printf("Error collecting inventory metrics: %v", err)
		return
	}

	for _, key := range keys {
		ticketTypeID := key[len("inventory:"):]

		fields, err := m.redis.HGetAll(ctx, key).Result()
		if err != nil {
			continue
		}

		total, _ := strconv.Atoi(fields["total"])
		reserved, _ := strconv.Atoi(fields["reserved"])
		sold, _ := strconv.Atoi(fields["sold"])

		inventoryAvailable.WithLabelValues(ticketTypeID).Set(float64(total - reserved - sold))
		inventorySold.WithLabelValues(ticketTypeID).Set(float64(sold))
	}
}
