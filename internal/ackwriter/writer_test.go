package ackwriter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carelink/vaxbatch/internal/ack"
	"github.com/carelink/vaxbatch/internal/admission"
	"github.com/carelink/vaxbatch/internal/audit"
	"github.com/carelink/vaxbatch/internal/model"
	"github.com/carelink/vaxbatch/internal/queue"
	"github.com/carelink/vaxbatch/internal/s3storage"
)

const (
	testFileKey   = "FLU_Vaccinations_v5_YGM41_20240101T120000.csv"
	testCreatedAt = "20240101T120005"
	tempDocKey    = "acks/TempAck/FLU_Vaccinations_v5_YGM41_20240101T120000_BusAck_20240101T120005.json"
	finalDocKey   = "acks/completed-ack/FLU_Vaccinations_v5_YGM41_20240101T120000_BusAck_20240101T120005.json"
)

type fakeAudit struct {
	records map[string]*model.FileAuditRecord
	patches map[string]audit.Patch
	next    *model.FileAuditRecord
}

func newFakeAudit() *fakeAudit {
	return &fakeAudit{
		records: make(map[string]*model.FileAuditRecord),
		patches: make(map[string]audit.Patch),
	}
}

func (f *fakeAudit) CreateRecord(ctx context.Context, rec *model.FileAuditRecord) error { return nil }
func (f *fakeAudit) PromoteToProcessing(ctx context.Context, messageID string) error   { return nil }

func (f *fakeAudit) UpdateRecord(ctx context.Context, messageID string, patch audit.Patch) error {
	f.patches[messageID] = patch
	return nil
}

func (f *fakeAudit) Get(ctx context.Context, messageID string) (*model.FileAuditRecord, error) {
	rec, ok := f.records[messageID]
	if !ok {
		return nil, model.ErrRecordNotFound
	}
	return rec, nil
}

func (f *fakeAudit) QueryByQueueStatus(ctx context.Context, queueName string, status model.FileStatus) ([]*model.FileAuditRecord, error) {
	return nil, nil
}

func (f *fakeAudit) NextQueued(ctx context.Context, queueName string) (*model.FileAuditRecord, error) {
	return f.next, nil
}

func (f *fakeAudit) IsDuplicateFilename(ctx context.Context, filename string) (bool, error) {
	return false, nil
}

// fakeStore keys objects by "bucket/key". moveErrs fails a Move by its
// source key once, then clears.
type fakeStore struct {
	objects  map[string][]byte
	moveErrs map[string]error
}

func (f *fakeStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, s3storage.ErrObjectNotFound
	}
	return data, nil
}

func (f *fakeStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	f.objects[bucket+"/"+key] = data
	return nil
}

func (f *fakeStore) Move(ctx context.Context, bucket, srcKey, dstKey string) error {
	if err, ok := f.moveErrs[srcKey]; ok {
		delete(f.moveErrs, srcKey)
		return err
	}
	data, ok := f.objects[bucket+"/"+srcKey]
	if !ok {
		return s3storage.ErrObjectNotFound
	}
	f.objects[bucket+"/"+dstKey] = data
	delete(f.objects, bucket+"/"+srcKey)
	return nil
}

type fakeProducer struct {
	admitted []queue.AdmitPayload
}

func (f *fakeProducer) Admit(ctx context.Context, payload queue.AdmitPayload) error {
	f.admitted = append(f.admitted, payload)
	return nil
}

func (f *fakeProducer) Process(ctx context.Context, payload queue.ProcessPayload) error { return nil }

type writerFixture struct {
	audit  *fakeAudit
	store  *fakeStore
	prod   *fakeProducer
	writer *Writer
}

func newWriterFixture() *writerFixture {
	f := &writerFixture{
		audit: newFakeAudit(),
		store: &fakeStore{objects: make(map[string][]byte), moveErrs: make(map[string]error)},
		prod:  &fakeProducer{},
	}
	f.store.objects["landing/processing/"+testFileKey] = []byte("csv-bytes")
	acc := ack.NewAccumulator(f.store, "acks")
	seq := admission.NewSequencer(f.audit, f.prod, "landing", zap.NewNop())
	f.writer = New(acc, f.audit, f.store, seq, "landing", "acks", zap.NewNop())
	return f
}

func batchPayload(eof bool, outcomes ...model.RowOutcome) queue.AckBatchPayload {
	return queue.AckBatchPayload{
		MessageID: "m-1",
		FileKey:   testFileKey,
		Supplier:  "EMIS",
		Category:  "FLU",
		CreatedAt: testCreatedAt,
		Outcomes:  outcomes,
		EOF:       eof,
	}
}

func failure(rowID string) model.RowOutcome {
	return model.RowOutcome{
		RowID:   rowID,
		LocalID: "local-" + rowID,
		Diagnostics: &model.Diagnostics{
			ErrorType:    "ValidationError",
			StatusCode:   400,
			ErrorMessage: "bad row",
		},
	}
}

func (f *writerFixture) document(t *testing.T, key string) *model.AckDocument {
	t.Helper()
	data, ok := f.store.objects[key]
	require.True(t, ok, "expected ack document at %s", key)
	var doc model.AckDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	return &doc
}

func TestNonEOFBatchAccumulatesOnly(t *testing.T) {
	f := newWriterFixture()

	payload := batchPayload(false,
		model.RowOutcome{RowID: "m-1^1", Succeeded: true},
		failure("m-1^2"),
	)
	require.NoError(t, f.writer.Handle(context.Background(), payload))

	doc := f.document(t, tempDocKey)
	require.Len(t, doc.Failures, 1)
	assert.Equal(t, "m-1^2", doc.Failures[0].RowID)
	assert.Nil(t, doc.Summary)

	assert.Empty(t, f.audit.patches, "audit is untouched until EOF")
	assert.Contains(t, f.store.objects, "landing/processing/"+testFileKey)
	assert.Empty(t, f.prod.admitted)
}

func TestEOFFinalizesFile(t *testing.T) {
	f := newWriterFixture()
	count := 3
	f.audit.records["m-1"] = &model.FileAuditRecord{
		MessageID:   "m-1",
		Filename:    testFileKey,
		QueueName:   "EMIS_FLU",
		Status:      model.StatusPreprocessed,
		RecordCount: &count,
	}
	f.audit.next = &model.FileAuditRecord{MessageID: "m-9", Filename: "FLU_Vaccinations_v5_YGM41_20240102T090000.csv"}

	require.NoError(t, f.writer.Handle(context.Background(), batchPayload(false,
		model.RowOutcome{RowID: "m-1^1", Succeeded: true},
		failure("m-1^2"),
	)))
	require.NoError(t, f.writer.Handle(context.Background(), batchPayload(true,
		model.RowOutcome{RowID: "m-1^3", Succeeded: true},
	)))

	patch, ok := f.audit.patches["m-1"]
	require.True(t, ok)
	require.NotNil(t, patch.Status)
	assert.Equal(t, model.StatusProcessed, *patch.Status)
	assert.Equal(t, 2, *patch.RecordsSucceeded)
	assert.Equal(t, 1, *patch.RecordsFailed)

	assert.Contains(t, f.store.objects, "landing/archive/"+testFileKey)
	assert.NotContains(t, f.store.objects, "landing/processing/"+testFileKey)

	doc := f.document(t, finalDocKey)
	require.NotNil(t, doc.Summary)
	assert.Equal(t, 3, doc.Summary.TotalRecords)
	assert.Equal(t, 2, doc.Summary.Succeeded)
	assert.Equal(t, 1, doc.Summary.Failed)
	assert.Equal(t, doc.Summary.TotalRecords, doc.Summary.Succeeded+doc.Summary.Failed)
	assert.NotContains(t, f.store.objects, tempDocKey)

	require.Len(t, f.prod.admitted, 1)
	assert.Equal(t, "m-9", f.prod.admitted[0].MessageID)
}

func TestEOFRetriesWhenRecordCountMissing(t *testing.T) {
	f := newWriterFixture()
	f.audit.records["m-1"] = &model.FileAuditRecord{
		MessageID: "m-1",
		Filename:  testFileKey,
		QueueName: "EMIS_FLU",
		Status:    model.StatusProcessing,
	}

	err := f.writer.Handle(context.Background(), batchPayload(true))
	require.Error(t, err)

	assert.Empty(t, f.audit.patches)
	assert.Contains(t, f.store.objects, "landing/processing/"+testFileKey)
	assert.NotContains(t, f.store.objects, finalDocKey)
}

func TestEOFRedeliveryAfterFinalizeOnlyHandsOff(t *testing.T) {
	f := newWriterFixture()
	count := 1
	f.audit.records["m-1"] = &model.FileAuditRecord{
		MessageID:   "m-1",
		Filename:    testFileKey,
		QueueName:   "EMIS_FLU",
		Status:      model.StatusPreprocessed,
		RecordCount: &count,
	}

	eof := batchPayload(true, model.RowOutcome{RowID: "m-1^1", Succeeded: true})
	require.NoError(t, f.writer.Handle(context.Background(), eof))
	finalized := f.store.objects[finalDocKey]
	f.audit.next = &model.FileAuditRecord{MessageID: "m-9", Filename: "next.csv"}

	require.NoError(t, f.writer.Handle(context.Background(), eof))

	assert.Equal(t, finalized, f.store.objects[finalDocKey], "redelivery must not rewrite the document")
	assert.NotContains(t, f.store.objects, tempDocKey)
	require.Len(t, f.prod.admitted, 1, "redelivery still triggers the queue hand-off")
}

func TestEOFRedeliveryCompletesAfterFailedFinalizeMove(t *testing.T) {
	f := newWriterFixture()
	count := 2
	f.audit.records["m-1"] = &model.FileAuditRecord{
		MessageID:   "m-1",
		Filename:    testFileKey,
		QueueName:   "EMIS_FLU",
		Status:      model.StatusPreprocessed,
		RecordCount: &count,
	}
	// The move of the finalized document to completed-ack/ fails once.
	f.store.moveErrs["TempAck/FLU_Vaccinations_v5_YGM41_20240101T120000_BusAck_20240101T120005.json"] = errors.New("transient storage outage")

	eof := batchPayload(true,
		model.RowOutcome{RowID: "m-1^1", Succeeded: true},
		failure("m-1^2"),
	)
	require.Error(t, f.writer.Handle(context.Background(), eof))

	// The source was archived before the failure and the completed document
	// is still missing.
	require.Contains(t, f.store.objects, "landing/archive/"+testFileKey)
	require.NotContains(t, f.store.objects, finalDocKey)

	f.audit.next = &model.FileAuditRecord{MessageID: "m-9", Filename: "next.csv"}
	require.NoError(t, f.writer.Handle(context.Background(), eof))

	doc := f.document(t, finalDocKey)
	require.NotNil(t, doc.Summary)
	assert.Equal(t, 2, doc.Summary.TotalRecords)
	assert.Equal(t, 1, doc.Summary.Failed)
	assert.NotContains(t, f.store.objects, tempDocKey)
	require.Len(t, f.prod.admitted, 1, "the queue hand-off still happens")
}

func TestReplayedBatchesKeepCountsConsistent(t *testing.T) {
	f := newWriterFixture()
	count := 4
	f.audit.records["m-1"] = &model.FileAuditRecord{
		MessageID:   "m-1",
		Filename:    testFileKey,
		QueueName:   "EMIS_FLU",
		Status:      model.StatusPreprocessed,
		RecordCount: &count,
	}

	first := batchPayload(false,
		model.RowOutcome{RowID: "m-1^1", Succeeded: true},
		failure("m-1^2"),
	)
	require.NoError(t, f.writer.Handle(context.Background(), first))
	// The broker redelivers the same batch.
	require.NoError(t, f.writer.Handle(context.Background(), first))

	require.NoError(t, f.writer.Handle(context.Background(), batchPayload(true,
		failure("m-1^3"),
		model.RowOutcome{RowID: "m-1^4", Succeeded: true},
	)))

	doc := f.document(t, finalDocKey)
	require.NotNil(t, doc.Summary)
	assert.Equal(t, 4, doc.Summary.TotalRecords)
	assert.Equal(t, 2, doc.Summary.Failed)
	assert.Equal(t, 2, doc.Summary.Succeeded)
	require.Len(t, doc.Failures, 2)
}
