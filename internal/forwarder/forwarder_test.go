package forwarder

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carelink/vaxbatch/internal/downstream"
	"github.com/carelink/vaxbatch/internal/model"
	"github.com/carelink/vaxbatch/internal/queue"
)

type apiCall struct {
	method     string
	identifier string
	priorKey   string
}

type fakeAPI struct {
	calls    []apiCall
	nextKey  int
	failWith map[string]error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{failWith: make(map[string]error)}
}

func (f *fakeAPI) key() string {
	f.nextKey++
	return fmt.Sprintf("sk-%d", f.nextKey)
}

func (f *fakeAPI) call(method string, rec *model.CanonicalRecord, priorKey string) (string, error) {
	f.calls = append(f.calls, apiCall{method: method, identifier: rec.Identifier, priorKey: priorKey})
	if err := f.failWith[rec.Identifier]; err != nil {
		return "", err
	}
	return f.key(), nil
}

func (f *fakeAPI) Create(ctx context.Context, rec *model.CanonicalRecord, supplier, category string) (string, error) {
	return f.call("create", rec, "")
}

func (f *fakeAPI) Update(ctx context.Context, rec *model.CanonicalRecord, supplier, category, priorKey string) (string, error) {
	return f.call("update", rec, priorKey)
}

func (f *fakeAPI) Delete(ctx context.Context, rec *model.CanonicalRecord, supplier, category string) (string, error) {
	return f.call("delete", rec, "")
}

// fakeAckProducer records flushed batches. errOnce fails the next flush,
// then clears; err fails every flush.
type fakeAckProducer struct {
	batches []queue.AckBatchPayload
	err     error
	errOnce error
}

func (f *fakeAckProducer) AckBatch(ctx context.Context, payload queue.AckBatchPayload) error {
	if f.errOnce != nil {
		err := f.errOnce
		f.errOnce = nil
		return err
	}
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, payload)
	return nil
}

func rowEvent(fileKey, rowID, identifier string, op model.Operation) *model.RowEvent {
	return &model.RowEvent{
		FileKey:   fileKey,
		MessageID: "m-1",
		RowID:     rowID,
		Operation: op,
		CreatedAt: "20240101T120005",
		LocalID:   "local-" + rowID,
		Supplier:  "EMIS",
		Category:  "FLU",
		Payload: &model.CanonicalRecord{
			Identifier: identifier,
			LocalID:    "local-" + rowID,
			Resource:   map[string]interface{}{"id": identifier},
		},
	}
}

func eofEvent(fileKey string) *model.RowEvent {
	return &model.RowEvent{
		FileKey:   fileKey,
		MessageID: "m-1",
		CreatedAt: "20240101T120005",
		Supplier:  "EMIS",
		Category:  "FLU",
		EOF:       true,
	}
}

type fwdFixture struct {
	api   *fakeAPI
	prod  *fakeAckProducer
	fwd   *Forwarder
	slept []time.Duration
}

func newFwdFixture() *fwdFixture {
	f := &fwdFixture{api: newFakeAPI(), prod: &fakeAckProducer{}}
	f.fwd = New(f.api, f.prod, 5*time.Second, zap.NewNop())
	f.fwd.sleep = func(ctx context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}
	return f
}

const fileA = "FLU_Vaccinations_v5_YGM41_20240101T120000.csv"

func TestProcessBatchForwardsRowsAndFlushes(t *testing.T) {
	f := newFwdFixture()
	events := []*model.RowEvent{
		rowEvent(fileA, "m-1^1", "uri#a-1", model.OperationCreate),
		rowEvent(fileA, "m-1^2", "uri#a-2", model.OperationUpdate),
		rowEvent(fileA, "m-1^3", "uri#a-3", model.OperationDelete),
		eofEvent(fileA),
	}

	require.NoError(t, f.fwd.ProcessBatch(context.Background(), events))

	require.Len(t, f.api.calls, 3)
	assert.Equal(t, apiCall{method: "create", identifier: "uri#a-1"}, f.api.calls[0])
	assert.Equal(t, apiCall{method: "update", identifier: "uri#a-2"}, f.api.calls[1])
	assert.Equal(t, apiCall{method: "delete", identifier: "uri#a-3"}, f.api.calls[2])

	require.Len(t, f.prod.batches, 1)
	batch := f.prod.batches[0]
	assert.Equal(t, fileA, batch.FileKey)
	assert.Equal(t, "m-1", batch.MessageID)
	assert.True(t, batch.EOF)
	require.Len(t, batch.Outcomes, 3)
	for i, outcome := range batch.Outcomes {
		assert.True(t, outcome.Succeeded, "row %d", i+1)
		assert.Equal(t, fmt.Sprintf("sk-%d", i+1), outcome.StorageKey)
	}
	assert.Empty(t, f.slept)
}

func TestProcessBatchChainsDuplicateIdentifier(t *testing.T) {
	f := newFwdFixture()
	events := []*model.RowEvent{
		rowEvent(fileA, "m-1^1", "uri#a-1", model.OperationCreate),
		rowEvent(fileA, "m-1^2", "uri#a-1", model.OperationCreate),
	}

	require.NoError(t, f.fwd.ProcessBatch(context.Background(), events))

	require.Len(t, f.api.calls, 2)
	assert.Equal(t, "create", f.api.calls[0].method)
	// The repeat waits out the delay, then updates the earlier row's record
	// regardless of its own operation.
	assert.Equal(t, apiCall{method: "update", identifier: "uri#a-1", priorKey: "sk-1"}, f.api.calls[1])
	assert.Equal(t, []time.Duration{5 * time.Second}, f.slept)

	require.Len(t, f.prod.batches, 1)
	outcomes := f.prod.batches[0].Outcomes
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].Succeeded)
	assert.True(t, outcomes[1].Succeeded)
	assert.Equal(t, "sk-2", outcomes[1].StorageKey)
}

func TestProcessBatchRecordsDiagnosticsWithoutCalling(t *testing.T) {
	f := newFwdFixture()
	failed := rowEvent(fileA, "m-1^1", "", model.OperationCreate)
	failed.Payload = nil
	failed.Diagnostics = &model.Diagnostics{ErrorType: "ValidationError", StatusCode: 400, ErrorMessage: "bad row"}

	require.NoError(t, f.fwd.ProcessBatch(context.Background(), []*model.RowEvent{failed}))

	assert.Empty(t, f.api.calls, "pre-failed rows never reach downstream")
	require.Len(t, f.prod.batches, 1)
	outcome := f.prod.batches[0].Outcomes[0]
	assert.False(t, outcome.Succeeded)
	assert.Equal(t, "ValidationError", outcome.Diagnostics.ErrorType)
}

func TestProcessBatchMapsDownstreamFailures(t *testing.T) {
	f := newFwdFixture()
	f.api.failWith["uri#a-1"] = fmt.Errorf("record exists: %w", downstream.ErrIdentifierDuplication)

	events := []*model.RowEvent{
		rowEvent(fileA, "m-1^1", "uri#a-1", model.OperationCreate),
		rowEvent(fileA, "m-1^2", "uri#a-2", model.OperationCreate),
	}
	require.NoError(t, f.fwd.ProcessBatch(context.Background(), events))

	require.Len(t, f.prod.batches, 1)
	outcomes := f.prod.batches[0].Outcomes
	require.Len(t, outcomes, 2)

	assert.False(t, outcomes[0].Succeeded)
	require.NotNil(t, outcomes[0].Diagnostics)
	assert.Equal(t, "IdentifierDuplicationError", outcomes[0].Diagnostics.ErrorType)
	assert.Equal(t, 422, outcomes[0].Diagnostics.StatusCode)

	// A failed row does not poison the rest of the batch.
	assert.True(t, outcomes[1].Succeeded)
}

func TestFailedWriteDoesNotSeedDuplicateChain(t *testing.T) {
	f := newFwdFixture()
	f.api.failWith["uri#a-1"] = downstream.ErrValidation

	events := []*model.RowEvent{
		rowEvent(fileA, "m-1^1", "uri#a-1", model.OperationCreate),
		rowEvent(fileA, "m-1^2", "uri#a-1", model.OperationCreate),
	}
	require.NoError(t, f.fwd.ProcessBatch(context.Background(), events))

	// The first write failed, so the second row is not a duplicate: it gets
	// a fresh create, not a chained update.
	require.Len(t, f.api.calls, 2)
	assert.Equal(t, "create", f.api.calls[1].method)
	assert.Empty(t, f.slept)
}

func TestProcessBatchSplitsFilesIntoSeparateAcks(t *testing.T) {
	f := newFwdFixture()
	fileB := "RSV_Vaccinations_v5_YGM41_20240101T130000.csv"
	eventsB := rowEvent(fileB, "m-2^1", "uri#b-1", model.OperationCreate)
	eventsB.MessageID = "m-2"

	events := []*model.RowEvent{
		rowEvent(fileA, "m-1^1", "uri#a-1", model.OperationCreate),
		eventsB,
		rowEvent(fileA, "m-1^2", "uri#a-2", model.OperationCreate),
		eofEvent(fileA),
	}
	require.NoError(t, f.fwd.ProcessBatch(context.Background(), events))

	require.Len(t, f.prod.batches, 2)
	assert.Equal(t, fileA, f.prod.batches[0].FileKey)
	assert.True(t, f.prod.batches[0].EOF)
	assert.Len(t, f.prod.batches[0].Outcomes, 2)

	assert.Equal(t, fileB, f.prod.batches[1].FileKey)
	assert.Equal(t, "m-2", f.prod.batches[1].MessageID)
	assert.False(t, f.prod.batches[1].EOF)
	assert.Len(t, f.prod.batches[1].Outcomes, 1)
}

func TestProcessBatchPropagatesFlushErrors(t *testing.T) {
	f := newFwdFixture()
	f.prod.err = fmt.Errorf("broker unavailable")

	events := []*model.RowEvent{rowEvent(fileA, "m-1^1", "uri#a-1", model.OperationCreate)}
	require.Error(t, f.fwd.ProcessBatch(context.Background(), events))
}
