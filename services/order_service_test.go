package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/services/gateway"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/status"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/models"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateOrder(ctx context.Context, order *models.Order) error {
	return m.Called(ctx, order).Error(0)
}

func (m *mockStore) FindByReference(ctx context.Context, reference string) (*models.Order, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *mockStore) MarkAwaitingPayment(ctx context.Context, reference, provider string) error {
	return m.Called(ctx, reference, provider).Error(0)
}

func (m *mockStore) MarkTerminal(ctx context.Context, reference string, from, to models.OrderStatus, paymentRef string) error {
	return m.Called(ctx, reference, from, to, paymentRef).Error(0)
}

func (m *mockStore) FindTicketType(ctx context.Context, id string) (*models.TicketType, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TicketType), args.Error(1)
}

func (m *mockStore) ListAwaitingPayment(ctx context.Context, minAge time.Duration, limit int) ([]*models.Order, error) {
	args := m.Called(ctx, minAge, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Order), args.Error(1)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Reserve(ctx context.Context, ticketTypeID string, quantity int, orderRef string, ttl time.Duration) (string, error) {
	args := m.Called(ctx, ticketTypeID, quantity, orderRef, ttl)
	return args.String(0), args.Error(1)
}

func (m *mockLedger) Finalize(ctx context.Context, reservationID string) error {
	return m.Called(ctx, reservationID).Error(0)
}

func (m *mockLedger) Release(ctx context.Context, reservationID string) error {
	return m.Called(ctx, reservationID).Error(0)
}

func (m *mockLedger) ReleaseExpired(ctx context.Context) ([]ExpiredReservation, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ExpiredReservation), args.Error(1)
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "mockpay" }

func (m *mockProvider) CreateHandle(ctx context.Context, req *gateway.HandleRequest) (*gateway.Handle, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Handle), args.Error(1)
}

func (m *mockProvider) VerifyCallback(p *gateway.CallbackPayload) (*gateway.CallbackEvent, error) {
	args := m.Called(p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.CallbackEvent), args.Error(1)
}

func (m *mockProvider) CheckTransaction(ctx context.Context, reference string) (*status.Transaction, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*status.Transaction), args.Error(1)
}

func (m *mockProvider) SetTransactionChannel(ch chan *status.Transaction) {}

func (m *mockProvider) Close(ctx context.Context) error { return nil }

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Dispatch(ctx context.Context, order *models.Order) {
	m.Called(ctx, order)
}

func newTestOrderService(store *mockStore, ledger *mockLedger, provider *mockProvider, notifier *mockNotifier) *OrderService {
	svc := NewOrderService(store, ledger, provider, notifier, OrderServiceConfig{
		OrderRefPrefix:    "TKT",
		OrderFee:          decimal.NewFromInt(150),
		Currency:          "LKR",
		ReservationTTL:    10 * time.Minute,
		SweepInterval:     30 * time.Second,
		ReconcileMinAge:   15 * time.Minute,
		ReconcileInterval: 5 * time.Minute,
	})
	svc.newRef = func() string { return "TKT-TEST01-0001" }
	svc.now = func() time.Time { return time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC) }
	return svc
}

func TestCreateOrder(t *testing.T) {
	store := new(mockStore)
	ledger := new(mockLedger)
	provider := new(mockProvider)
	notifier := new(mockNotifier)
	svc := newTestOrderService(store, ledger, provider, notifier)

	tt := &models.TicketType{
		ID:             "tt-ga",
		EventID:        "evt-1",
		Name:           "General Admission",
		Price:          decimal.NewFromInt(1000),
		TotalQuantity:  500,
		MaxPerPurchase: 6,
		Status:         models.TicketTypeActive,
	}

	store.On("FindTicketType", mock.Anything, "tt-ga").Return(tt, nil)
	ledger.On("Reserve", mock.Anything, "tt-ga", 3, "TKT-TEST01-0001", 10*time.Minute).
		Return("res-1", nil)
	store.On("CreateOrder", mock.Anything, mock.MatchedBy(func(o *models.Order) bool {
		return o.Reference == "TKT-TEST01-0001" &&
			o.Status == models.OrderPending &&
			o.Total.Equal(decimal.NewFromInt(3150))
	})).Return(nil)
	provider.On("CreateHandle", mock.Anything, mock.MatchedBy(func(r *gateway.HandleRequest) bool {
		return r.Reference == "TKT-TEST01-0001" && r.Amount.Equal(decimal.NewFromInt(3150))
	})).Return(&gateway.Handle{
		Provider:  "mockpay",
		Reference: "TKT-TEST01-0001",
		Token:     "tok-abc",
	}, nil)
	store.On("MarkAwaitingPayment", mock.Anything, "TKT-TEST01-0001", "mockpay").Return(nil)

	result, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{
		EventID:    "evt-1",
		BuyerName:  "Nimal Perera",
		BuyerEmail: "nimal@example.com",
		Lines:      []OrderLine{{TicketTypeID: "tt-ga", Quantity: 3}},
	})
	require.NoError(t, err)

	// 3 x 1000 + 150 fee
	assert.True(t, result.Order.Subtotal.Equal(decimal.NewFromInt(3000)))
	assert.True(t, result.Order.Fee.Equal(decimal.NewFromInt(150)))
	assert.True(t, result.Order.Total.Equal(decimal.NewFromInt(3150)))
	assert.Equal(t, models.OrderAwaitingPayment, result.Order.Status)
	assert.Equal(t, "tok-abc", result.Handle.Token)
	assert.Equal(t, "res-1", result.Order.Items[0].ReservationID)

	store.AssertExpectations(t)
	ledger.AssertExpectations(t)
	provider.AssertExpectations(t)
}

func TestCreateOrderInsufficientInventoryRollsBack(t *testing.T) {
	store := new(mockStore)
	ledger := new(mockLedger)
	provider := new(mockProvider)
	notifier := new(mockNotifier)
	svc := newTestOrderService(store, ledger, provider, notifier)

	ga := &models.TicketType{ID: "tt-ga", Price: decimal.NewFromInt(1000), Status: models.TicketTypeActive}
	vip := &models.TicketType{ID: "tt-vip", Price: decimal.NewFromInt(5000), Status: models.TicketTypeActive}

	store.On("FindTicketType", mock.Anything, "tt-ga").Return(ga, nil)
	store.On("FindTicketType", mock.Anything, "tt-vip").Return(vip, nil)
	ledger.On("Reserve", mock.Anything, "tt-ga", 2, mock.Anything, mock.Anything).Return("res-1", nil)
	ledger.On("Reserve", mock.Anything, "tt-vip", 4, mock.Anything, mock.Anything).
		Return("", status.ErrInsufficientInventory)

	// the first line's reservation must be released
	ledger.On("Release", mock.Anything, "res-1").Return(nil)

	_, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{
		Lines: []OrderLine{
			{TicketTypeID: "tt-ga", Quantity: 2},
			{TicketTypeID: "tt-vip", Quantity: 4},
		},
	})
	assert.ErrorIs(t, err, status.ErrInsufficientInventory)

	store.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
	ledger.AssertExpectations(t)
}

func TestCreateOrderHandleFailureReleasesAndFails(t *testing.T) {
	store := new(mockStore)
	ledger := new(mockLedger)
	provider := new(mockProvider)
	notifier := new(mockNotifier)
	svc := newTestOrderService(store, ledger, provider, notifier)

	tt := &models.TicketType{ID: "tt-ga", Price: decimal.NewFromInt(1000), Status: models.TicketTypeActive}

	store.On("FindTicketType", mock.Anything, "tt-ga").Return(tt, nil)
	ledger.On("Reserve", mock.Anything, "tt-ga", 1, mock.Anything, mock.Anything).Return("res-1", nil)
	store.On("CreateOrder", mock.Anything, mock.Anything).Return(nil)
	provider.On("CreateHandle", mock.Anything, mock.Anything).
		Return(nil, errors.New("provider unreachable"))
	ledger.On("Release", mock.Anything, "res-1").Return(nil)
	store.On("MarkTerminal", mock.Anything, "TKT-TEST01-0001", models.OrderPending, models.OrderFailed, "").Return(nil)

	_, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{
		Lines: []OrderLine{{TicketTypeID: "tt-ga", Quantity: 1}},
	})
	require.Error(t, err)

	store.AssertExpectations(t)
	ledger.AssertExpectations(t)
}

func TestCreateOrderNoLines(t *testing.T) {
	svc := newTestOrderService(new(mockStore), new(mockLedger), new(mockProvider), new(mockNotifier))

	_, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{})
	assert.ErrorIs(t, err, status.ErrQuantityExceedsLimit)
}

func paidTestOrder() *models.Order {
	return &models.Order{
		Reference:  "TKT-TEST01-0001",
		BuyerEmail: "nimal@example.com",
		Items: []models.OrderItem{
			{TicketTypeID: "tt-ga", Quantity: 3, UnitPrice: decimal.NewFromInt(1000), ReservationID: "res-1"},
		},
		Status: models.OrderAwaitingPayment,
	}
}

func TestHandleCallbackCompleted(t *testing.T) {
	store := new(mockStore)
	ledger := new(mockLedger)
	provider := new(mockProvider)
	notifier := new(mockNotifier)
	svc := newTestOrderService(store, ledger, provider, notifier)

	order := paidTestOrder()
	store.On("FindByReference", mock.Anything, order.Reference).Return(order, nil)
	store.On("MarkTerminal", mock.Anything, order.Reference, models.OrderAwaitingPayment, models.OrderPaid, "PRV-9001").Return(nil)
	ledger.On("Finalize", mock.Anything, "res-1").Return(nil)
	notifier.On("Dispatch", mock.Anything, mock.MatchedBy(func(o *models.Order) bool {
		return o.Reference == order.Reference &&
			o.Status == models.OrderPaid &&
			o.PaymentReference == "PRV-9001"
	})).Return()

	err := svc.HandleCallback(context.Background(), &gateway.CallbackEvent{
		Kind:        gateway.EventCompleted,
		Reference:   order.Reference,
		ProviderRef: "PRV-9001",
	})
	require.NoError(t, err)

	store.AssertExpectations(t)
	ledger.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestHandleCallbackDuplicatePaidIsNoOp(t *testing.T) {
	store := new(mockStore)
	ledger := new(mockLedger)
	notifier := new(mockNotifier)
	svc := newTestOrderService(store, ledger, new(mockProvider), notifier)

	order := paidTestOrder()
	order.Status = models.OrderPaid
	store.On("FindByReference", mock.Anything, order.Reference).Return(order, nil)

	err := svc.HandleCallback(context.Background(), &gateway.CallbackEvent{
		Kind:      gateway.EventCompleted,
		Reference: order.Reference,
	})
	require.NoError(t, err)

	store.AssertNotCalled(t, "MarkTerminal", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	ledger.AssertNotCalled(t, "Finalize", mock.Anything, mock.Anything)
	notifier.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestHandleCallbackConflictingOutcomeRejected(t *testing.T) {
	store := new(mockStore)
	svc := newTestOrderService(store, new(mockLedger), new(mockProvider), new(mockNotifier))

	order := paidTestOrder()
	order.Status = models.OrderFailed
	store.On("FindByReference", mock.Anything, order.Reference).Return(order, nil)

	err := svc.HandleCallback(context.Background(), &gateway.CallbackEvent{
		Kind:      gateway.EventCompleted,
		Reference: order.Reference,
	})
	assert.ErrorIs(t, err, status.ErrInvalidTransition)
	store.AssertNotCalled(t, "MarkTerminal", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleCallbackFailureNoticeOnSettledOrderIgnored(t *testing.T) {
	store := new(mockStore)
	ledger := new(mockLedger)
	svc := newTestOrderService(store, ledger, new(mockProvider), new(mockNotifier))

	order := paidTestOrder()
	order.Status = models.OrderExpired
	store.On("FindByReference", mock.Anything, order.Reference).Return(order, nil)

	err := svc.HandleCallback(context.Background(), &gateway.CallbackEvent{
		Kind:      gateway.EventFailed,
		Reference: order.Reference,
	})
	require.NoError(t, err)
	store.AssertNotCalled(t, "MarkTerminal", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	ledger.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
}

func TestHandleCallbackFailedReleasesInventory(t *testing.T) {
	store := new(mockStore)
	ledger := new(mockLedger)
	notifier := new(mockNotifier)
	svc := newTestOrderService(store, ledger, new(mockProvider), notifier)

	order := paidTestOrder()
	store.On("FindByReference", mock.Anything, order.Reference).Return(order, nil)
	store.On("MarkTerminal", mock.Anything, order.Reference, models.OrderAwaitingPayment, models.OrderFailed, "").Return(nil)
	ledger.On("Release", mock.Anything, "res-1").Return(nil)

	err := svc.HandleCallback(context.Background(), &gateway.CallbackEvent{
		Kind:      gateway.EventFailed,
		Reference: order.Reference,
	})
	require.NoError(t, err)

	ledger.AssertExpectations(t)
	notifier.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestHandleTransactionPendingIsIgnored(t *testing.T) {
	store := new(mockStore)
	svc := newTestOrderService(store, new(mockLedger), new(mockProvider), new(mockNotifier))

	err := svc.HandleTransaction(context.Background(), &status.Transaction{
		Reference: "TKT-TEST01-0001",
		State:     status.TxPending,
	})
	require.NoError(t, err)
	store.AssertNotCalled(t, "FindByReference", mock.Anything, mock.Anything)
}

func TestCancelOrder(t *testing.T) {
	store := new(mockStore)
	ledger := new(mockLedger)
	svc := newTestOrderService(store, ledger, new(mockProvider), new(mockNotifier))

	order := paidTestOrder()
	store.On("FindByReference", mock.Anything, order.Reference).Return(order, nil)
	store.On("MarkTerminal", mock.Anything, order.Reference, models.OrderAwaitingPayment, models.OrderCancelled, "").Return(nil)
	ledger.On("Release", mock.Anything, "res-1").Return(nil)

	err := svc.CancelOrder(context.Background(), order.Reference)
	require.NoError(t, err)

	store.AssertExpectations(t)
	ledger.AssertExpectations(t)
}

func TestCancelOrderAlreadyCancelled(t *testing.T) {
	store := new(mockStore)
	svc := newTestOrderService(store, new(mockLedger), new(mockProvider), new(mockNotifier))

	order := paidTestOrder()
	order.Status = models.OrderCancelled
	store.On("FindByReference", mock.Anything, order.Reference).Return(order, nil)

	err := svc.CancelOrder(context.Background(), order.Reference)
	require.NoError(t, err)
	store.AssertNotCalled(t, "MarkTerminal", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcileOrderCompleted(t *testing.T) {
	store := new(mockStore)
	ledger := new(mockLedger)
	provider := new(mockProvider)
	notifier := new(mockNotifier)
	svc := newTestOrderService(store, ledger, provider, notifier)

	order := paidTestOrder()
	store.On("FindByReference", mock.Anything, order.Reference).Return(order, nil)
	provider.On("CheckTransaction", mock.Anything, order.Reference).Return(&status.Transaction{
		Reference: order.Reference,
		State:     status.TxCompleted,
	}, nil)
	store.On("MarkTerminal", mock.Anything, order.Reference, models.OrderAwaitingPayment, models.OrderPaid, "").Return(nil)
	ledger.On("Finalize", mock.Anything, "res-1").Return(nil)
	notifier.On("Dispatch", mock.Anything, mock.Anything).Return()

	err := svc.ReconcileOrder(context.Background(), order.Reference)
	require.NoError(t, err)

	provider.AssertExpectations(t)
	ledger.AssertExpectations(t)
}

func TestReconcileOrderAlreadyTerminal(t *testing.T) {
	store := new(mockStore)
	provider := new(mockProvider)
	svc := newTestOrderService(store, new(mockLedger), provider, new(mockNotifier))

	order := paidTestOrder()
	order.Status = models.OrderPaid
	store.On("FindByReference", mock.Anything, order.Reference).Return(order, nil)

	err := svc.ReconcileOrder(context.Background(), order.Reference)
	require.NoError(t, err)
	provider.AssertNotCalled(t, "CheckTransaction", mock.Anything, mock.Anything)
}

func TestSweepExpiredMarksOrderExpired(t *testing.T) {
	store := new(mockStore)
	ledger := new(mockLedger)
	svc := newTestOrderService(store, ledger, new(mockProvider), new(mockNotifier))

	ledger.On("ReleaseExpired", mock.Anything).Return([]ExpiredReservation{
		{ReservationID: "res-1", OrderRef: "TKT-TEST01-0001", TicketTypeID: "tt-ga", Quantity: 3},
	}, nil)
	store.On("MarkTerminal", mock.Anything, "TKT-TEST01-0001", models.OrderAwaitingPayment, models.OrderExpired, "").Return(nil)

	order := paidTestOrder()
	store.On("FindByReference", mock.Anything, order.Reference).Return(order, nil)
	ledger.On("Release", mock.Anything, "res-1").Return(nil)

	svc.sweepExpired(context.Background())

	store.AssertExpectations(t)
	ledger.AssertExpectations(t)
}

func TestSweepExpiredRacedSettlement(t *testing.T) {
	store := new(mockStore)
	ledger := new(mockLedger)
	svc := newTestOrderService(store, ledger, new(mockProvider), new(mockNotifier))

	ledger.On("ReleaseExpired", mock.Anything).Return([]ExpiredReservation{
		{ReservationID: "res-1", OrderRef: "TKT-TEST01-0001", TicketTypeID: "tt-ga", Quantity: 3},
	}, nil)
	store.On("MarkTerminal", mock.Anything, "TKT-TEST01-0001", models.OrderAwaitingPayment, models.OrderExpired, "").
		Return(status.ErrInvalidTransition)
	store.On("MarkTerminal", mock.Anything, "TKT-TEST01-0001", models.OrderPending, models.OrderFailed, "").
		Return(status.ErrInvalidTransition)

	svc.sweepExpired(context.Background())

	// the order settled first; nothing further is released
	store.AssertNotCalled(t, "FindByReference", mock.Anything, mock.Anything)
}

func TestSweepExpiredFailsStrandedPendingOrder(t *testing.T) {
	store := new(mockStore)
	ledger := new(mockLedger)
	svc := newTestOrderService(store, ledger, new(mockProvider), new(mockNotifier))

	ledger.On("ReleaseExpired", mock.Anything).Return([]ExpiredReservation{
		{ReservationID: "res-1", OrderRef: "TKT-TEST01-0001", TicketTypeID: "tt-ga", Quantity: 3},
	}, nil)
	// never advanced past pending, e.g. a crash before the checkout handle
	store.On("MarkTerminal", mock.Anything, "TKT-TEST01-0001", models.OrderAwaitingPayment, models.OrderExpired, "").
		Return(status.ErrInvalidTransition)
	store.On("MarkTerminal", mock.Anything, "TKT-TEST01-0001", models.OrderPending, models.OrderFailed, "").
		Return(nil)

	order := paidTestOrder()
	store.On("FindByReference", mock.Anything, order.Reference).Return(order, nil)
	ledger.On("Release", mock.Anything, "res-1").Return(nil)

	svc.sweepExpired(context.Background())

	store.AssertExpectations(t)
	ledger.AssertExpectations(t)
}

func TestNewOrderServiceGeneratesReferences(t *testing.T) {
	svc := NewOrderService(new(mockStore), new(mockLedger), new(mockProvider), new(mockNotifier), OrderServiceConfig{
		OrderRefPrefix: "tkt",
	})

	first := svc.newRef()
	second := svc.newRef()

	require.NotEmpty(t, first)
	assert.True(t, strings.HasPrefix(first, "TKT-"))
	assert.NotEqual(t, first, second)
}

func TestShutdownStopsLoops(t *testing.T) {
	store := new(mockStore)
	ledger := new(mockLedger)
	svc := newTestOrderService(store, ledger, new(mockProvider), new(mockNotifier))

	ledger.On("ReleaseExpired", mock.Anything).Return([]ExpiredReservation{}, nil).Maybe()
	store.On("ListAwaitingPayment", mock.Anything, mock.Anything, mock.Anything).Return([]*models.Order{}, nil).Maybe()

	ctx := context.Background()
	svc.StartExpirySweep(ctx)
	svc.StartReconcileLoop(ctx)

	done := make(chan struct{})
	go func() {
		svc.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}
