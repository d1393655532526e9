package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/dataset"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
	"github.com/ternarybob/tablemind/internal/queue"
	"github.com/ternarybob/tablemind/internal/services/catalog"
	"github.com/ternarybob/tablemind/internal/services/chunker"
	"github.com/ternarybob/tablemind/internal/services/dispatch"
	"github.com/ternarybob/tablemind/internal/services/estimate"
	"github.com/ternarybob/tablemind/internal/services/ledger"
	"github.com/ternarybob/tablemind/internal/services/processor"
	"github.com/ternarybob/tablemind/internal/services/results"
	badgerstore "github.com/ternarybob/tablemind/internal/storage/badger"
	"github.com/timshannon/badgerhold/v4"
)

type upperProvider struct{}

func (upperProvider) Name() models.ProviderName { return models.ProviderGoogle }

func (upperProvider) CountTokens(ctx context.Context, apiKey, model, text string) (int, error) {
	return 0, errors.New("not used")
}

func (upperProvider) Generate(ctx context.Context, apiKey string, req *interfaces.GenerateRequest) (*interfaces.GenerateResult, error) {
	return &interfaces.GenerateResult{Text: `{"label":"` + strings.ToUpper(req.Data) + `"}`, InputTokens: 2, OutputTokens: 1}, nil
}

type fixedResolver struct{}

func (fixedResolver) ProviderFor(model *models.Model) (interfaces.GenerationProvider, error) {
	return upperProvider{}, nil
}

type freeCredential struct{}

func (freeCredential) KeyID() string                  { return "k" }
func (freeCredential) APIKey() string                 { return "secret" }
func (freeCredential) Wait(ctx context.Context) error { return nil }
func (freeCredential) Release(ctx context.Context, usage interfaces.CredentialUsage) error {
	return nil
}

type freeCredentials struct{}

func (freeCredentials) Acquire(ctx context.Context, model *models.Model) (interfaces.Credential, error) {
	return freeCredential{}, nil
}

type brokenQueue struct {
	interfaces.QueueManager
}

func (brokenQueue) Enqueue(ctx context.Context, msg models.QueueMessage) (string, error) {
	return "", errors.New("disk full")
}

type fixture struct {
	svc       *Service
	storage   interfaces.StorageManager
	queue     interfaces.QueueManager
	processor *processor.Service
	catalog   *catalog.Service
	dir       string
}

func newFixture(t *testing.T, qm interfaces.QueueManager) *fixture {
	t.Helper()
	logger := arbor.NewLogger()
	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	if qm == nil {
		store := storage.DB().(*badgerhold.Store)
		qm, err = queue.NewBadgerManager(store.Badger(), queue.NewDefaultConfig(), logger)
		require.NoError(t, err)
	}

	config := common.NewDefaultConfig()
	config.Chunker.ChunkSize = 2
	config.Export.Dir = t.TempDir()

	ctx := context.Background()
	require.NoError(t, storage.CatalogStorage().SaveModel(ctx, &models.Model{
		ID:              "m1",
		Name:            "gemini-2.5-flash",
		Provider:        models.ProviderGoogle,
		Active:          true,
		CostPer1MInput:  1000000,
		CostPer1MOutput: 1000000,
		Currency:        "USD",
		MaxOutputTokens: 100000,
	}))

	catalogSvc := catalog.NewService(storage.CatalogStorage(), nil, logger)
	chunkSvc := chunker.NewService(storage.ChunkStorage(), logger)
	svc := NewService(
		catalogSvc,
		dataset.NewLoader(logger),
		estimate.NewService(nil, nil, config.Estimator, logger),
		ledger.NewService(storage.JobStorage(), storage.ChunkStorage(), chunkSvc, logger),
		dispatch.NewDispatcher(qm, storage.JobStorage(), logger),
		results.NewAggregator(storage.JobStorage(), storage.ChunkStorage(), logger),
		results.NewExporter(config.Export, logger),
		config,
		logger,
	)
	proc := processor.NewService(storage.JobStorage(), storage.ChunkStorage(), storage.CatalogStorage(),
		fixedResolver{}, freeCredentials{}, qm, config, logger)

	return &fixture{svc: svc, storage: storage, queue: qm, processor: proc, catalog: catalogSvc, dir: t.TempDir()}
}

func (f *fixture) request(t *testing.T, user, csv string) *Request {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(f.dir, user+".csv")
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	prompt, err := f.catalog.RegisterPrompt(ctx, user, "label each row")
	require.NoError(t, err)
	media, err := f.catalog.RegisterMedia(ctx, user, path, models.MediaTypeCSV)
	require.NoError(t, err)
	return &Request{
		UserID:      user,
		PromptID:    prompt.ID,
		MediaID:     media.ID,
		ModelID:     "m1",
		Granularity: models.GranularityPerCell,
		FocusColumn: "name",
	}
}

const fiveRows = "name\nada\nbob\ncy\ndee\neve\n"

// work receives the next task, runs it and acks the outcome, the way a
// worker does
func (f *fixture) work(t *testing.T) *models.QueueMessage {
	t.Helper()
	ctx := context.Background()
	msg, ack, err := f.queue.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, ack(f.processor.Handle(ctx, msg)))
	return msg
}

func TestSubmitCreatesAndDispatches(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sub, err := f.svc.Submit(ctx, f.request(t, "alice", fiveRows))
	require.NoError(t, err)
	assert.False(t, sub.Reused)
	assert.NotEmpty(t, sub.TaskID)
	assert.Equal(t, 3, sub.Job.TotalChunks, "five rows in chunks of two")
	assert.Equal(t, models.JobStatusQueued, sub.Job.Status)
	assert.Equal(t, sub.Estimate.Cost.Total, sub.Job.EstimatedCost)

	status, err := f.svc.Status(ctx, "alice", sub.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Stats.Queued)
	assert.Equal(t, float64(0), status.Percent)
	require.NotNil(t, status.Task)
	assert.Equal(t, models.TaskPending, status.Task.State)
}

func TestSubmitThenProcessThenExport(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sub, err := f.svc.Submit(ctx, f.request(t, "alice", fiveRows))
	require.NoError(t, err)
	require.NoError(t, f.processor.Process(ctx, sub.Job.ID, sub.TaskID))

	status, err := f.svc.Status(ctx, "alice", sub.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFinished, status.Job.Status)
	assert.Equal(t, float64(100), status.Percent)

	set, err := f.svc.Results(ctx, "alice", sub.Job.ID)
	require.NoError(t, err)
	require.Len(t, set.Rows, 5)
	for i, row := range set.Rows {
		assert.Equal(t, i, row.RowIndex)
	}

	path, err := f.svc.Export(ctx, "alice", sub.Job.ID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, ".csv", filepath.Ext(path), "format follows the source media")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "row_index,input_name,label,error", lines[0])
	assert.Equal(t, "0,ada,ADA,", lines[1])

	exclude := false
	path, err = f.svc.Export(ctx, "alice", sub.Job.ID, "json", &exclude)
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "input_name")
}

func TestResubmitReusesJob(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := f.request(t, "alice", fiveRows)

	first, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, f.work(t).ID)

	second, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Job.ID, second.Job.ID)
	assert.Equal(t, 2, second.Job.Generation)
	assert.NotEqual(t, first.TaskID, second.TaskID)

	jobs, err := f.svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	chunks, err := f.svc.Chunks(ctx, "alice", second.Job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.Equal(t, 2, c.Generation)
		assert.Equal(t, models.ChunkStatus(models.JobStatusQueued), c.Status)
	}
}

func TestResubmitKeepsPendingTask(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := f.request(t, "alice", fiveRows)

	first, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)
	second, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Reused)
	assert.Equal(t, first.TaskID, second.TaskID, "the pending task picks up the new generation")
	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg := f.work(t)
	assert.Equal(t, second.TaskID, msg.ID)

	status, err := f.svc.Status(ctx, "alice", second.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFinished, status.Job.Status)
	assert.Equal(t, 2, status.Job.Generation)
	assert.Equal(t, 3, status.Stats.Finished)
}

func TestStaleTaskDoesNotRunResubmittedJob(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := f.request(t, "alice", fiveRows)

	first, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)

	// A worker claims the first task but has not started the job yet
	stale, ack, err := f.queue.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, stale.ID)

	second, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.TaskID, second.TaskID, "a received task is superseded")

	require.NoError(t, ack(f.processor.Handle(ctx, stale)))
	status, err := f.svc.Status(ctx, "alice", second.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, status.Job.Status, "the superseded task leaves the job alone")
	assert.Equal(t, second.TaskID, status.Job.TaskID)
	assert.Equal(t, 3, status.Stats.Queued)

	assert.Equal(t, second.TaskID, f.work(t).ID)
	status, err = f.svc.Status(ctx, "alice", second.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFinished, status.Job.Status)
	assert.Equal(t, second.TaskID, status.Job.TaskID)
}

func TestSubmitEmptyDatasetFinishesWithoutDispatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sub, err := f.svc.Submit(ctx, f.request(t, "alice", "name\n"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFinished, sub.Job.Status)
	assert.Empty(t, sub.TaskID)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSubmitQueueFailureFailsJob(t *testing.T) {
	f := newFixture(t, brokenQueue{})
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, f.request(t, "alice", fiveRows))
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrQueueUnavailable)

	jobs, err := f.svc.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusFailed, jobs[0].Status)
	assert.Contains(t, jobs[0].Error, "disk full")
}

func TestSubmitOverQuotaCreatesNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	m, err := f.storage.CatalogStorage().GetModel(ctx, "m1")
	require.NoError(t, err)
	m.MaxOutputTokens = 1
	require.NoError(t, f.storage.CatalogStorage().SaveModel(ctx, m))

	_, err = f.svc.Submit(ctx, f.request(t, "alice", fiveRows))
	assert.ErrorIs(t, err, common.ErrQuotaExceeded)

	jobs, err := f.svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRequestsAreOwnerScoped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := f.request(t, "alice", fiveRows)
	req.UserID = "mallory"
	_, err := f.svc.Estimate(ctx, req)
	assert.ErrorIs(t, err, common.ErrNotFound)

	sub, err := f.svc.Submit(ctx, f.request(t, "alice", fiveRows))
	require.NoError(t, err)

	_, err = f.svc.Status(ctx, "mallory", sub.Job.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = f.svc.Export(ctx, "mallory", sub.Job.ID, "csv", nil)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = f.svc.Cancel(ctx, "mallory", sub.Job.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCancelAndDelete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sub, err := f.svc.Submit(ctx, f.request(t, "alice", fiveRows))
	require.NoError(t, err)

	job, err := f.svc.Cancel(ctx, "alice", sub.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)

	require.NoError(t, f.processor.Process(ctx, sub.Job.ID, sub.TaskID), "cancelled jobs are skipped")

	status, err := f.svc.Status(ctx, "alice", sub.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Stats.Cancelled)

	require.NoError(t, f.svc.Delete(ctx, "alice", sub.Job.ID))
	_, err = f.svc.Status(ctx, "alice", sub.Job.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestEstimateValidatesRequest(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Estimate(context.Background(), &Request{UserID: "alice"})
	assert.ErrorIs(t, err, common.ErrValidation)
}
