package product

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockpile/internal/core/apperror"
	"stockpile/internal/core/id"
	"stockpile/internal/domain/event"
	"stockpile/pkg/logger"
)

// --- fakes ---

type memoryRepo struct {
	mu       sync.Mutex
	items    map[id.ID]Product
	creates  int
	failNext error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{items: make(map[id.ID]Product)}
}

func (r *memoryRepo) takeFailure() error {
	err := r.failNext
	r.failNext = nil
	return err
}

func (r *memoryRepo) Create(_ context.Context, p *Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	r.creates++
	r.items[p.ID] = *p
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, productID id.ID) (*Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.items[productID]
	if !ok {
		return nil, apperror.NewNotFound(entityName, productID.String())
	}
	return &p, nil
}

func (r *memoryRepo) List(_ context.Context, filter ListFilter) ([]*Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Product, 0, len(r.items))
	for _, p := range r.items {
		p := p
		all = append(all, &p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID.String() < all[j].ID.String() })
	if filter.Offset >= len(all) {
		return nil, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[filter.Offset:end], nil
}

func (r *memoryRepo) Update(_ context.Context, p *Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	cur, ok := r.items[p.ID]
	if !ok {
		return apperror.NewNotFound(entityName, p.ID.String())
	}
	if cur.Version != p.Version {
		return apperror.NewConcurrentModification(entityName, p.ID.String())
	}
	p.Version++
	r.items[p.ID] = *p
	return nil
}

func (r *memoryRepo) Delete(_ context.Context, productID id.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[productID]; !ok {
		return apperror.NewNotFound(entityName, productID.String())
	}
	delete(r.items, productID)
	return nil
}

type passthroughTx struct{ calls int }

func (m *passthroughTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	return fn(ctx)
}

// readOnlyTx also implements tx.ReadOnlyManager.
type readOnlyTx struct {
	passthroughTx
	readOnly int
}

func (m *readOnlyTx) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	m.readOnly++
	return fn(ctx)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, e event.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return n.err
}

func (n *recordingNotifier) calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type recordingRecorder struct {
	events []event.Event
	err    error
}

func (r *recordingRecorder) Record(_ context.Context, e event.Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

func newDirectService(t *testing.T, repo *memoryRepo, n *recordingNotifier) *Service {
	t.Helper()
	svc, err := NewService(ServiceConfig{
		Repo:      repo,
		TxManager: &passthroughTx{},
		Mode:      NotifyDirect,
		Notifier:  n,
		Logger:    logger.NewNop(),
	})
	require.NoError(t, err)
	return svc
}

// --- tests ---

func TestService_CreatePublishesOneCreatedEvent(t *testing.T) {
	repo := newMemoryRepo()
	n := &recordingNotifier{}
	svc := newDirectService(t, repo, n)
	ctx := context.Background()

	p := NewProduct("Widget", 3)
	require.NoError(t, svc.Create(ctx, p))

	require.Equal(t, 1, n.calls())
	e := n.events[0]
	assert.Equal(t, event.KindCreated, e.Kind)
	assert.Equal(t, p.ID, e.ProductID)
	assert.Equal(t, "Widget", e.Payload.Name)
	assert.Equal(t, 3, e.Payload.Quantity)
}

func TestService_CreateThenGetRoundTrip(t *testing.T) {
	repo := newMemoryRepo()
	svc := newDirectService(t, repo, &recordingNotifier{})
	ctx := context.Background()

	details := "blue, 10cm"
	p := NewProduct("Widget", 3)
	p.Details = &details
	p.Price = decimal.NewNullDecimal(decimal.RequireFromString("12.50"))
	require.NoError(t, svc.Create(ctx, p))

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.Quantity, got.Quantity)
	assert.Equal(t, *p.Details, *got.Details)
	assert.True(t, p.Price.Decimal.Equal(got.Price.Decimal))
}

func TestService_PublishFailureAfterCommitKeepsRecord(t *testing.T) {
	repo := newMemoryRepo()
	n := &recordingNotifier{err: fmt.Errorf("%w: dial tcp: connection refused", event.ErrConnect)}
	svc := newDirectService(t, repo, n)
	ctx := context.Background()

	p := NewProduct("Widget", 3)
	err := svc.Create(ctx, p)

	require.Error(t, err)
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeEventPublish, appErr.Code)
	assert.Equal(t, true, appErr.Details["committed"])
	assert.Equal(t, apperror.StageConnect, appErr.Details["stage"])
	assert.GreaterOrEqual(t, appErr.HTTPStatus, 500)

	got, getErr := svc.Get(ctx, p.ID)
	require.NoError(t, getErr)
	assert.Equal(t, "Widget", got.Name)
	assert.Equal(t, 1, n.calls(), "publish must be attempted exactly once")
}

func TestService_SendFailureReportsSendStage(t *testing.T) {
	repo := newMemoryRepo()
	n := &recordingNotifier{err: fmt.Errorf("%w: channel closed", event.ErrSend)}
	svc := newDirectService(t, repo, n)

	err := svc.Create(context.Background(), NewProduct("Widget", 1))

	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.StageSend, appErr.Details["stage"])
}

func TestService_DeleteMissingDoesNotPublish(t *testing.T) {
	n := &recordingNotifier{}
	svc := newDirectService(t, newMemoryRepo(), n)

	err := svc.Delete(context.Background(), id.New())

	assert.True(t, apperror.IsNotFound(err))
	assert.Equal(t, 0, n.calls())
}

func TestService_DeletePublishesDeletedEvent(t *testing.T) {
	repo := newMemoryRepo()
	n := &recordingNotifier{}
	svc := newDirectService(t, repo, n)
	ctx := context.Background()

	p := NewProduct("Widget", 3)
	require.NoError(t, svc.Create(ctx, p))
	require.NoError(t, svc.Delete(ctx, p.ID))

	require.Equal(t, 2, n.calls())
	assert.Equal(t, event.KindDeleted, n.events[1].Kind)
	assert.Equal(t, "Widget", n.events[1].Payload.Name)

	_, err := svc.Get(ctx, p.ID)
	assert.True(t, apperror.IsNotFound(err))
}

func TestService_UpdateAppliesChangesAndPublishes(t *testing.T) {
	repo := newMemoryRepo()
	n := &recordingNotifier{}
	svc := newDirectService(t, repo, n)
	ctx := context.Background()

	p := NewProduct("Widget", 3)
	require.NoError(t, svc.Create(ctx, p))

	qty := 7
	updated, err := svc.Update(ctx, p.ID, Changes{Quantity: &qty})
	require.NoError(t, err)

	assert.Equal(t, 7, updated.Quantity)
	assert.Equal(t, "Widget", updated.Name)
	assert.Equal(t, 2, updated.Version)
	require.Equal(t, 2, n.calls())
	assert.Equal(t, event.KindUpdated, n.events[1].Kind)
	assert.Equal(t, 7, n.events[1].Payload.Quantity)
}

func TestService_UpdateMissingReturnsNotFound(t *testing.T) {
	n := &recordingNotifier{}
	svc := newDirectService(t, newMemoryRepo(), n)

	name := "Gadget"
	_, err := svc.Update(context.Background(), id.New(), Changes{Name: &name})

	assert.True(t, apperror.IsNotFound(err))
	assert.Equal(t, 0, n.calls())
}

func TestService_UpdateRejectsEmptyChanges(t *testing.T) {
	svc := newDirectService(t, newMemoryRepo(), &recordingNotifier{})

	_, err := svc.Update(context.Background(), id.New(), Changes{})

	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeValidation, appErr.Code)
}

func TestService_InvalidProductNeverReachesStore(t *testing.T) {
	repo := newMemoryRepo()
	n := &recordingNotifier{}
	svc := newDirectService(t, repo, n)

	err := svc.Create(context.Background(), NewProduct("Widget", -1))

	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeValidation, appErr.Code)
	assert.Equal(t, 0, repo.creates)
	assert.Equal(t, 0, n.calls())
}

func TestService_PriceOutsideColumnRangeIsRejected(t *testing.T) {
	ctx := context.Background()

	for _, raw := range []string{"1.005", "12345678901234567.5"} {
		t.Run(raw, func(t *testing.T) {
			repo := newMemoryRepo()
			n := &recordingNotifier{}
			svc := newDirectService(t, repo, n)

			p := NewProduct("Widget", 3)
			p.Price = decimal.NewNullDecimal(decimal.RequireFromString(raw))
			err := svc.Create(ctx, p)

			appErr, ok := apperror.AsAppError(err)
			require.True(t, ok)
			assert.Equal(t, apperror.CodeValidation, appErr.Code)
			assert.Equal(t, "price", appErr.Details["field"])
			assert.Equal(t, 0, repo.creates)
			assert.Equal(t, 0, n.calls())
		})
	}
}

func TestService_UpdateWithOverPrecisePriceKeepsStoredState(t *testing.T) {
	repo := newMemoryRepo()
	n := &recordingNotifier{}
	svc := newDirectService(t, repo, n)
	ctx := context.Background()

	p := NewProduct("Widget", 3)
	p.Price = decimal.NewNullDecimal(decimal.RequireFromString("2.50"))
	require.NoError(t, svc.Create(ctx, p))

	price := decimal.RequireFromString("2.505")
	_, err := svc.Update(ctx, p.ID, Changes{Price: &price})

	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeValidation, appErr.Code)

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("2.50").Equal(got.Price.Decimal))
	assert.Equal(t, 1, n.calls())
}

func TestService_StorageFailureSkipsPublish(t *testing.T) {
	repo := newMemoryRepo()
	repo.failNext = errors.New("connection reset")
	n := &recordingNotifier{}
	svc := newDirectService(t, repo, n)

	err := svc.Create(context.Background(), NewProduct("Widget", 3))

	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeDatabase, appErr.Code)
	assert.Equal(t, 0, n.calls())
}

func TestService_OutboxModeRecordsInsteadOfPublishing(t *testing.T) {
	repo := newMemoryRepo()
	txm := &passthroughTx{}
	rec := &recordingRecorder{}
	svc, err := NewService(ServiceConfig{
		Repo:      repo,
		TxManager: txm,
		Mode:      NotifyOutbox,
		Recorder:  rec,
		Logger:    logger.NewNop(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	p := NewProduct("Widget", 3)
	require.NoError(t, svc.Create(ctx, p))
	require.NoError(t, svc.Delete(ctx, p.ID))

	require.Len(t, rec.events, 2)
	assert.Equal(t, event.KindCreated, rec.events[0].Kind)
	assert.Equal(t, event.KindDeleted, rec.events[1].Kind)
	assert.Equal(t, 2, txm.calls)
}

func TestService_OutboxRecordFailureFailsMutation(t *testing.T) {
	rec := &recordingRecorder{err: errors.New("outbox insert failed")}
	svc, err := NewService(ServiceConfig{
		Repo:      newMemoryRepo(),
		TxManager: &passthroughTx{},
		Mode:      NotifyOutbox,
		Recorder:  rec,
		Logger:    logger.NewNop(),
	})
	require.NoError(t, err)

	err = svc.Create(context.Background(), NewProduct("Widget", 3))

	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeDatabase, appErr.Code)
}

func TestService_ListNormalizesPaging(t *testing.T) {
	repo := newMemoryRepo()
	svc := newDirectService(t, repo, &recordingNotifier{})
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		require.NoError(t, svc.Create(ctx, NewProduct(fmt.Sprintf("item-%d", i), i)))
	}

	page, err := svc.List(ctx, ListFilter{Offset: -5, Limit: 0})
	require.NoError(t, err)
	assert.Len(t, page, DefaultListLimit)

	rest, err := svc.List(ctx, ListFilter{Offset: 10, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}

func TestNewService_RequiresCollaboratorsForMode(t *testing.T) {
	_, err := NewService(ServiceConfig{Repo: newMemoryRepo(), TxManager: &passthroughTx{}, Mode: NotifyDirect})
	assert.Error(t, err)

	_, err = NewService(ServiceConfig{Repo: newMemoryRepo(), TxManager: &passthroughTx{}, Mode: NotifyOutbox})
	assert.Error(t, err)

	_, err = NewService(ServiceConfig{Repo: newMemoryRepo(), TxManager: &passthroughTx{}, Mode: "carrier-pigeon", Notifier: &recordingNotifier{}})
	assert.Error(t, err)
}

func TestParseNotifyMode(t *testing.T) {
	m, err := ParseNotifyMode("")
	require.NoError(t, err)
	assert.Equal(t, NotifyDirect, m)

	m, err = ParseNotifyMode("outbox")
	require.NoError(t, err)
	assert.Equal(t, NotifyOutbox, m)

	_, err = ParseNotifyMode("kafka")
	assert.Error(t, err)
}

func TestService_ReadsUseReadOnlyTransaction(t *testing.T) {
	repo := newMemoryRepo()
	txm := &readOnlyTx{}
	svc, err := NewService(ServiceConfig{
		Repo:      repo,
		TxManager: txm,
		Mode:      NotifyDirect,
		Notifier:  &recordingNotifier{},
		Logger:    logger.NewNop(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	p := NewProduct("Widget", 3)
	require.NoError(t, svc.Create(ctx, p))
	assert.Equal(t, 1, txm.calls)
	assert.Zero(t, txm.readOnly)

	_, err = svc.Get(ctx, p.ID)
	require.NoError(t, err)
	_, err = svc.List(ctx, ListFilter{})
	require.NoError(t, err)

	assert.Equal(t, 2, txm.readOnly)
	assert.Equal(t, 1, txm.calls)

	_, err = svc.Get(ctx, id.New())
	assert.True(t, apperror.IsNotFound(err))
}
