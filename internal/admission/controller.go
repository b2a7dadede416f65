// Package admission implements the file admission controller and the
// sequencer that together guarantee serial processing per queue name.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carelink/vaxbatch/internal/ack"
	"github.com/carelink/vaxbatch/internal/audit"
	"github.com/carelink/vaxbatch/internal/filekey"
	"github.com/carelink/vaxbatch/internal/logging"
	"github.com/carelink/vaxbatch/internal/model"
	"github.com/carelink/vaxbatch/internal/permissions"
	"github.com/carelink/vaxbatch/internal/queue"
	"github.com/carelink/vaxbatch/internal/s3storage"
)

const receivedTimeLayout = "20060102T150405"

// AuditStore is the slice of the audit store the controller uses.
// *audit.Store satisfies it.
type AuditStore interface {
	CreateRecord(ctx context.Context, rec *model.FileAuditRecord) error
	PromoteToProcessing(ctx context.Context, messageID string) error
	UpdateRecord(ctx context.Context, messageID string, patch audit.Patch) error
	Get(ctx context.Context, messageID string) (*model.FileAuditRecord, error)
	QueryByQueueStatus(ctx context.Context, queueName string, status model.FileStatus) ([]*model.FileAuditRecord, error)
	NextQueued(ctx context.Context, queueName string) (*model.FileAuditRecord, error)
	IsDuplicateFilename(ctx context.Context, filename string) (bool, error)
}

// SupplierDirectory resolves submitter codes and supplier permissions.
type SupplierDirectory interface {
	SupplierFor(ctx context.Context, submitterCode string) (string, error)
	PermissionsFor(ctx context.Context, supplier string) (permissions.Set, error)
	ValidCategories(ctx context.Context) (map[string]bool, error)
}

// Producer enqueues follow-on pipeline work. *queue.Producer satisfies it.
type Producer interface {
	Admit(ctx context.Context, payload queue.AdmitPayload) error
	Process(ctx context.Context, payload queue.ProcessPayload) error
}

// Controller admits landed files: it validates the file name, checks
// supplier permissions, rejects duplicates and either starts processing or
// parks the file behind the one already in flight for its queue name.
type Controller struct {
	audit        AuditStore
	dir          SupplierDirectory
	store        ack.ObjectStore
	producer     Producer
	sequencer    *Sequencer
	sourceBucket string
	ackBucket    string
	log          *zap.Logger
	now          func() time.Time
}

// NewController constructs a Controller.
func NewController(auditStore AuditStore, dir SupplierDirectory, store ack.ObjectStore, producer Producer, sequencer *Sequencer, sourceBucket, ackBucket string, log *zap.Logger) *Controller {
	return &Controller{
		audit:        auditStore,
		dir:          dir,
		store:        store,
		producer:     producer,
		sequencer:    sequencer,
		sourceBucket: sourceBucket,
		ackBucket:    ackBucket,
		log:          log,
		now:          time.Now,
	}
}

// admissionNamespace scopes the message ids derived from file keys.
var admissionNamespace = uuid.MustParse("9a175d04-5c85-4c77-8a6e-5f66d2d7c6b1")

// admissionMessageID derives a stable message id for a landed file, so a
// redelivered admission task finds its own audit record instead of treating
// it as another submission of the same filename.
func admissionMessageID(fileKey string) string {
	return uuid.NewSHA1(admissionNamespace, []byte(fileKey)).String()
}

// Handle processes one admission task. A payload carrying a message id is a
// re-admission issued by the sequencer for an already-audited file; anything
// else is a fresh landing notification.
func (c *Controller) Handle(ctx context.Context, payload queue.AdmitPayload) error {
	fields := logging.Fields{FileKey: payload.FileKey, MessageID: payload.MessageID}
	return logging.Instrument(c.log, "admit", fields, func(ctx context.Context) error {
		if payload.MessageID != "" {
			return c.promote(ctx, payload.MessageID)
		}
		return c.admit(ctx, payload.FileKey)
	})(ctx)
}

func (c *Controller) admit(ctx context.Context, fileKey string) error {
	messageID := admissionMessageID(fileKey)
	receivedTime := c.now().UTC().Format(receivedTimeLayout)

	validCategories, err := c.dir.ValidCategories(ctx)
	if err != nil {
		return err
	}

	fk, err := filekey.Parse(fileKey, validCategories)
	if err != nil {
		// Aborted before any table write; the file still gets its failure
		// InfAck and is archived.
		return c.reject(ctx, fileKey, messageID, receivedTime, "", nil, err)
	}

	supplier, err := c.dir.SupplierFor(ctx, fk.SubmitterCode)
	if err != nil {
		return err
	}
	if supplier == "" {
		return c.reject(ctx, fileKey, messageID, receivedTime, "", nil, &model.InvalidFileKeyError{Reason: "invalid file key"})
	}

	perms, err := c.dir.PermissionsFor(ctx, supplier)
	if err != nil {
		return err
	}
	queueName := model.QueueName(supplier, fk.Category)
	if !perms.CanSubmit(fk.Category) {
		status := model.NotProcessed("unauthorised")
		permErr := fmt.Errorf("%s has no %s permission: %w", supplier, fk.Category, model.ErrPermission)
		return c.reject(ctx, fileKey, messageID, receivedTime, queueName, &status, permErr)
	}

	existing, err := c.audit.Get(ctx, messageID)
	if err != nil && !errors.Is(err, model.ErrRecordNotFound) {
		return err
	}
	if err == nil && !existing.Status.IsTerminalFailure() {
		return c.resume(ctx, existing, supplier, fk.Category, perms, receivedTime)
	}

	duplicate, err := c.audit.IsDuplicateFilename(ctx, fileKey)
	if err != nil {
		return err
	}
	if duplicate {
		status := model.NotProcessed("duplicate")
		return c.reject(ctx, fileKey, uuid.NewString(), receivedTime, queueName, &status, model.ErrDuplicateFile)
	}

	rec := &model.FileAuditRecord{
		MessageID: messageID,
		Filename:  fileKey,
		QueueName: queueName,
		Status:    model.StatusProcessing,
	}
	if busy, err := c.queueBusy(ctx, queueName); err != nil {
		return err
	} else if busy {
		rec.Status = model.StatusQueued
	}

	if err := c.audit.CreateRecord(ctx, rec); err != nil {
		if errors.Is(err, model.ErrQueueBusy) {
			// Lost the race for the Processing slot: fall back into the queue.
			rec.Status = model.StatusQueued
			err = c.audit.CreateRecord(ctx, rec)
		}
		if err != nil {
			return err
		}
	}
	if rec.Status == model.StatusQueued {
		c.log.Info("file queued behind in-flight file",
			zap.String("file_key", fileKey), zap.String("queue_name", queueName))
		return nil
	}

	return c.start(ctx, rec, supplier, fk.Category, perms, receivedTime)
}

// resume handles an admission whose audit record already exists and is not a
// terminal failure. A parked file stays parked, a half-started file finishes
// its start step, and a record past admission means this filename was already
// ingested, so the delivery is rejected as a duplicate under a fresh id.
func (c *Controller) resume(ctx context.Context, rec *model.FileAuditRecord, supplier, category string, perms permissions.Set, receivedTime string) error {
	switch rec.Status {
	case model.StatusQueued:
		return nil
	case model.StatusProcessing:
		return c.start(ctx, rec, supplier, category, perms, receivedTime)
	default:
		status := model.NotProcessed("duplicate")
		return c.reject(ctx, rec.Filename, uuid.NewString(), receivedTime, rec.QueueName, &status, model.ErrDuplicateFile)
	}
}

// promote re-runs the start step for a file the sequencer picked out of the
// queue. The filename was validated at original admission and is not
// re-parsed.
func (c *Controller) promote(ctx context.Context, messageID string) error {
	rec, err := c.audit.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if rec.Status != model.StatusQueued {
		// Already promoted or terminal; redelivery is a no-op.
		return nil
	}
	if err := c.audit.PromoteToProcessing(ctx, messageID); err != nil {
		if errors.Is(err, model.ErrQueueBusy) || errors.Is(err, model.ErrRecordNotFound) {
			// Someone else holds the slot; the next completion re-triggers us.
			return nil
		}
		return err
	}

	supplier, category := splitQueueName(rec.QueueName)
	receivedTime := c.now().UTC().Format(receivedTimeLayout)

	perms, err := c.dir.PermissionsFor(ctx, supplier)
	if err != nil {
		return err
	}
	if !perms.CanSubmit(category) {
		// Permissions were revoked while the file sat in the queue.
		status := model.NotProcessed("unauthorised")
		permErr := fmt.Errorf("%s has no %s permission: %w", supplier, category, model.ErrPermission)
		if err := c.audit.UpdateRecord(ctx, messageID, audit.Patch{Status: &status, ErrorDetails: details(permErr)}); err != nil {
			return err
		}
		if err := c.finishRejected(ctx, rec.Filename, messageID, receivedTime); err != nil {
			return err
		}
		return c.sequencer.OnFileDone(ctx, rec.QueueName)
	}

	return c.start(ctx, rec, supplier, category, perms, receivedTime)
}

// start is admission step 5: success InfAck, move into processing/ and hand
// off to the row processor.
func (c *Controller) start(ctx context.Context, rec *model.FileAuditRecord, supplier, category string, perms permissions.Set, receivedTime string) error {
	if err := ack.WriteInfAck(ctx, c.store, c.ackBucket, rec.Filename, rec.MessageID, true, receivedTime); err != nil {
		return err
	}
	if err := c.moveLanded(ctx, rec.Filename, s3storage.ProcessingKey(rec.Filename)); err != nil {
		return err
	}
	return c.producer.Process(ctx, queue.ProcessPayload{
		MessageID:         rec.MessageID,
		FileKey:           rec.Filename,
		Supplier:          supplier,
		Category:          category,
		AllowedOperations: perms.AllowedOperations(category),
		CreatedAt:         receivedTime,
	})
}

// reject handles admission-fatal failures: failure InfAck, archive, optional
// audit record, no retry. Infrastructure failures on the way out propagate
// so the broker redelivers.
func (c *Controller) reject(ctx context.Context, fileKey, messageID, receivedTime, queueName string, status *model.FileStatus, cause error) error {
	if !model.IsAdmissionFatal(cause) {
		return cause
	}
	c.log.Warn("file rejected at admission",
		zap.String("file_key", fileKey), zap.String("message_id", messageID), zap.Error(cause))

	if status != nil {
		rec := &model.FileAuditRecord{
			MessageID:    messageID,
			Filename:     fileKey,
			QueueName:    queueName,
			Status:       *status,
			ErrorDetails: details(cause),
		}
		if err := c.audit.CreateRecord(ctx, rec); err != nil && !errors.Is(err, model.ErrDuplicateKey) {
			return err
		}
	}
	return c.finishRejected(ctx, fileKey, messageID, receivedTime)
}

func (c *Controller) finishRejected(ctx context.Context, fileKey, messageID, receivedTime string) error {
	if err := ack.WriteInfAck(ctx, c.store, c.ackBucket, fileKey, messageID, false, receivedTime); err != nil {
		return err
	}
	return c.moveLanded(ctx, fileKey, s3storage.ArchiveKey(fileKey))
}

// moveLanded relocates the landing object, accepting that a redelivered
// admission may find the move already done.
func (c *Controller) moveLanded(ctx context.Context, fileKey, dstKey string) error {
	err := c.store.Move(ctx, c.sourceBucket, fileKey, dstKey)
	if err == nil || !errors.Is(err, s3storage.ErrObjectNotFound) {
		return err
	}
	if _, getErr := c.store.Get(ctx, c.sourceBucket, dstKey); getErr != nil {
		return err
	}
	return nil
}

func (c *Controller) queueBusy(ctx context.Context, queueName string) (bool, error) {
	processing, err := c.audit.QueryByQueueStatus(ctx, queueName, model.StatusProcessing)
	if err != nil {
		return false, err
	}
	return len(processing) > 0, nil
}

// splitQueueName recovers supplier and category from a {supplier}_{category}
// key. Categories never contain underscores; supplier identities may.
func splitQueueName(queueName string) (supplier, category string) {
	idx := strings.LastIndex(queueName, "_")
	if idx < 0 {
		return queueName, ""
	}
	return queueName[:idx], queueName[idx+1:]
}

func details(err error) *string {
	s := err.Error()
	return &s
}
