package processor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
	"github.com/ternarybob/tablemind/internal/services/chunker"
	"github.com/ternarybob/tablemind/internal/services/scheduler"
	badgerstore "github.com/ternarybob/tablemind/internal/storage/badger"
)

// scriptedProvider answers by row content: "fatal" rows fail the chunk,
// "flaky" rows fail transiently, "reject" rows are refused as a bad request,
// anything else echoes the data.
type scriptedProvider struct {
	mu      sync.Mutex
	calls   int
	onCall  func(ctx context.Context, n int)
	lastReq *interfaces.GenerateRequest
}

func (p *scriptedProvider) Name() models.ProviderName { return models.ProviderGoogle }

func (p *scriptedProvider) CountTokens(ctx context.Context, apiKey, model, text string) (int, error) {
	return len(text), nil
}

func (p *scriptedProvider) Generate(ctx context.Context, apiKey string, req *interfaces.GenerateRequest) (*interfaces.GenerateResult, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.lastReq = req
	hook := p.onCall
	p.mu.Unlock()
	if hook != nil {
		hook(ctx, n)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case strings.Contains(req.Data, "fatal"):
		return nil, &common.ProviderError{Provider: "google", Fatal: true, Err: errors.New("invalid API key")}
	case strings.Contains(req.Data, "reject"):
		return nil, &common.ProviderError{Provider: "google", Err: errors.New("Error 400, Message: input too long, Status: INVALID_ARGUMENT")}
	case strings.Contains(req.Data, "flaky"):
		return nil, &common.ProviderError{Provider: "google", Retryable: true, Err: errors.New("503 unavailable")}
	}
	return &interfaces.GenerateResult{Text: "out:" + req.Data, InputTokens: 3, OutputTokens: 2}, nil
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type resolver struct{ p interfaces.GenerationProvider }

func (r resolver) ProviderFor(model *models.Model) (interfaces.GenerationProvider, error) {
	return r.p, nil
}

type testCredential struct {
	mu       sync.Mutex
	released []interfaces.CredentialUsage
}

func (c *testCredential) KeyID() string                  { return "key-1" }
func (c *testCredential) APIKey() string                 { return "secret" }
func (c *testCredential) Wait(ctx context.Context) error { return ctx.Err() }
func (c *testCredential) Release(ctx context.Context, usage interfaces.CredentialUsage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, usage)
	return nil
}

type credentials struct {
	cred *testCredential
	err  error
}

func (c credentials) Acquire(ctx context.Context, model *models.Model) (interfaces.Credential, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.cred, nil
}

// recordingQueue records visibility extensions
type recordingQueue struct {
	interfaces.QueueManager
	mu       sync.Mutex
	extended []string
}

func (q *recordingQueue) Extend(ctx context.Context, messageID string, duration time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.extended = append(q.extended, messageID)
	return nil
}

func (q *recordingQueue) Extended() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.extended...)
}

type fixture struct {
	storage  interfaces.StorageManager
	provider *scriptedProvider
	cred     *testCredential
	svc      *Service
}

func newFixture(t *testing.T, credErr error) *fixture {
	t.Helper()
	logger := arbor.NewLogger()
	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	ctx := context.Background()
	catalog := storage.CatalogStorage()
	require.NoError(t, catalog.SavePrompt(ctx, &models.Prompt{ID: "p1", UserID: "alice", Text: "summarize"}))
	require.NoError(t, catalog.SaveModel(ctx, &models.Model{ID: "m1", Name: "gemini-2.5-flash", Provider: models.ProviderGoogle, Active: true, MaxOutputTokens: 256}))

	f := &fixture{storage: storage, provider: &scriptedProvider{}, cred: &testCredential{}}
	config := common.NewDefaultConfig()
	f.svc = NewService(storage.JobStorage(), storage.ChunkStorage(), catalog,
		resolver{f.provider}, credentials{cred: f.cred, err: credErr}, nil, config, logger)
	return f
}

// seedJob stores a QUEUED job with one chunk per value
func (f *fixture) seedJob(t *testing.T, modelID string, values ...string) *models.Job {
	t.Helper()
	return f.seedChunked(t, modelID, 1, values...)
}

func (f *fixture) seedChunked(t *testing.T, modelID string, chunkSize int, values ...string) *models.Job {
	t.Helper()
	ds := &models.Dataset{Columns: []string{"text"}}
	for _, v := range values {
		ds.AddRow([]models.Value{models.StringValue(v)})
	}
	job := &models.Job{
		ID:          common.NewJobID(),
		UserID:      "alice",
		PromptID:    "p1",
		MediaID:     "media",
		ModelID:     modelID,
		Status:      models.JobStatusQueued,
		Generation:  1,
		Granularity: models.GranularityPerRow,
		ChunkSize:   chunkSize,
		Verbosity:   0.75,
		CreatedAt:   time.Now(),
	}
	slices, err := chunker.Split(ds, chunkSize)
	require.NoError(t, err)
	_, err = chunker.NewService(f.storage.ChunkStorage(), arbor.NewLogger()).Store(context.Background(), job, slices)
	require.NoError(t, err)
	return job
}

func (f *fixture) chunks(t *testing.T, job *models.Job) []*models.Chunk {
	t.Helper()
	chunks, err := f.storage.ChunkStorage().ListChunks(context.Background(), job.ID, job.Generation)
	require.NoError(t, err)
	return chunks
}

func (f *fixture) job(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := f.storage.JobStorage().GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestFailedChunkDoesNotStopOthers(t *testing.T) {
	f := newFixture(t, nil)
	job := f.seedJob(t, "m1", "A", "fatal B", "C")

	require.NoError(t, f.svc.Process(context.Background(), job.ID, "task-1"))

	chunks := f.chunks(t, job)
	require.Len(t, chunks, 3)
	assert.Equal(t, models.JobStatusFinished, chunks[0].Status)
	assert.Equal(t, models.JobStatusFailed, chunks[1].Status)
	assert.Contains(t, chunks[1].Error, "invalid API key")
	assert.Equal(t, models.JobStatusFinished, chunks[2].Status)

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "1 of 3 chunks failed", got.Error)
	assert.Equal(t, 6, got.ActualInputTokens)
	assert.Equal(t, 4, got.ActualOutputTokens)
	assert.False(t, got.CompletedAt.IsZero())
	assert.Equal(t, "task-1", got.TaskID)

	require.Len(t, f.cred.released, 1)
	assert.Equal(t, int64(3), f.cred.released[0].Requests)
	assert.Equal(t, int64(10), f.cred.released[0].Tokens)
}

func TestAllChunksFinished(t *testing.T) {
	f := newFixture(t, nil)
	job := f.seedJob(t, "m1", "A", "B")

	require.NoError(t, f.svc.Process(context.Background(), job.ID, "task-1"))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusFinished, got.Status)
	assert.Empty(t, got.Error)

	chunks := f.chunks(t, job)
	require.Len(t, chunks[0].Output, 1)
	assert.Equal(t, 0, chunks[0].Output[0].RowIndex)
	assert.Equal(t, `out:{"text":"A"}`, chunks[0].Output[0].Output)

	req := f.provider.lastReq
	assert.Equal(t, "summarize", req.Prompt)
	assert.Equal(t, 0.75, req.Temperature)
	assert.Equal(t, 256, req.MaxOutputTokens, "model ceiling is below the processor default")
}

func TestTransientRowFailureIsAMarker(t *testing.T) {
	f := newFixture(t, nil)
	ds := []string{"A", "flaky", "C"}
	job := f.seedJob(t, "m1", ds...)

	require.NoError(t, f.svc.Process(context.Background(), job.ID, "task-1"))

	chunks := f.chunks(t, job)
	assert.Equal(t, models.JobStatusFinished, chunks[1].Status)
	require.Len(t, chunks[1].Output, 1)
	assert.True(t, chunks[1].Output[0].Failed())
	assert.Contains(t, chunks[1].Output[0].Error, "503")
	assert.Equal(t, models.JobStatusFinished, f.job(t, job.ID).Status)
}

func TestPreflightFailureFailsJob(t *testing.T) {
	f := newFixture(t, nil)
	job := f.seedJob(t, "missing-model", "A", "B")

	err := f.svc.Process(context.Background(), job.ID, "task-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrNotFound)

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "pre-flight failed")
	assert.Equal(t, 0, f.provider.Calls())

	for _, c := range f.chunks(t, job) {
		assert.Equal(t, models.JobStatusFailed, c.Status)
		assert.Empty(t, c.Output)
	}
}

func TestNoCredentialFailsJob(t *testing.T) {
	f := newFixture(t, common.NotFoundf("no usable API key"))
	job := f.seedJob(t, "m1", "A")

	require.Error(t, f.svc.Process(context.Background(), job.ID, "task-1"))
	assert.Equal(t, models.JobStatusFailed, f.job(t, job.ID).Status)
	assert.Equal(t, 0, f.provider.Calls())
}

func TestCancelStopsBetweenChunks(t *testing.T) {
	f := newFixture(t, nil)
	job := f.seedJob(t, "m1", "A", "B", "C")
	jobs := f.storage.JobStorage()

	f.provider.onCall = func(_ context.Context, n int) {
		if n != 1 {
			return
		}
		_, err := jobs.UpdateJob(context.Background(), job.ID, func(j *models.Job) error {
			j.Status = models.JobStatusCancelled
			return nil
		})
		assert.NoError(t, err)
		_, err = f.storage.ChunkStorage().TransitionChunks(context.Background(), job.ID, job.Generation,
			[]models.ChunkStatus{models.JobStatusQueued}, models.JobStatusCancelled, "cancelled by user")
		assert.NoError(t, err)
	}

	require.NoError(t, f.svc.Process(context.Background(), job.ID, "task-1"))

	chunks := f.chunks(t, job)
	assert.Equal(t, models.JobStatusFinished, chunks[0].Status, "the chunk in flight completes")
	assert.Equal(t, models.JobStatusCancelled, chunks[1].Status)
	assert.Equal(t, models.JobStatusCancelled, chunks[2].Status)
	assert.Equal(t, models.JobStatusCancelled, f.job(t, job.ID).Status)
	assert.Equal(t, 1, f.provider.Calls())
}

func TestTerminalJobIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	job := f.seedJob(t, "m1", "A")
	_, err := f.storage.JobStorage().UpdateJob(context.Background(), job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusCancelled
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Process(context.Background(), job.ID, "task-1"))
	assert.Equal(t, 0, f.provider.Calls())
	assert.Empty(t, f.cred.released)
}

func TestRedeliveryReclaimsRunningChunks(t *testing.T) {
	f := newFixture(t, nil)
	job := f.seedJob(t, "m1", "A", "B")
	ctx := context.Background()

	// Simulate a worker that died after starting chunk 0
	_, err := f.storage.JobStorage().UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusRunning
		return nil
	})
	require.NoError(t, err)
	first := f.chunks(t, job)[0]
	first.Status = models.JobStatusRunning
	require.NoError(t, f.storage.ChunkStorage().SaveChunk(ctx, first))

	require.NoError(t, f.svc.Process(ctx, job.ID, "task-2"))

	assert.Equal(t, models.JobStatusFinished, f.job(t, job.ID).Status)
	assert.Equal(t, 2, f.provider.Calls())
}

func TestParallelChunksKeepRowIndices(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.concurrency = 3
	job := f.seedJob(t, "m1", "a", "b", "c", "d", "e", "f")

	require.NoError(t, f.svc.Process(context.Background(), job.ID, "task-1"))

	for i, c := range f.chunks(t, job) {
		assert.Equal(t, i, c.Index)
		require.Len(t, c.Output, 1)
		assert.Equal(t, i, c.Output[0].RowIndex)
	}
	assert.Equal(t, models.JobStatusFinished, f.job(t, job.ID).Status)
}

func TestHandleRequiresJobID(t *testing.T) {
	f := newFixture(t, nil)
	err := f.svc.Handle(context.Background(), &models.QueueMessage{ID: "t"})
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestRejectedRowIsAMarker(t *testing.T) {
	f := newFixture(t, nil)
	job := f.seedChunked(t, "m1", 3, "A", "reject B", "C")

	require.NoError(t, f.svc.Process(context.Background(), job.ID, "task-1"))

	chunks := f.chunks(t, job)
	require.Len(t, chunks, 1)
	assert.Equal(t, models.JobStatusFinished, chunks[0].Status)
	assert.Empty(t, chunks[0].Error)
	require.Len(t, chunks[0].Output, 3)
	assert.False(t, chunks[0].Output[0].Failed())
	assert.True(t, chunks[0].Output[1].Failed())
	assert.Contains(t, chunks[0].Output[1].Error, "INVALID_ARGUMENT")
	assert.False(t, chunks[0].Output[2].Failed())
	assert.Equal(t, 3, f.provider.Calls(), "a rejected row does not stop the chunk")
	assert.Equal(t, models.JobStatusFinished, f.job(t, job.ID).Status)
}

func TestJobTimeoutFailsJob(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.jobTimeout = 50 * time.Millisecond
	job := f.seedJob(t, "m1", "A", "B")
	f.provider.onCall = func(ctx context.Context, n int) { <-ctx.Done() }

	err := f.svc.Process(context.Background(), job.ID, "task-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "job timed out", got.Error)
	assert.False(t, got.CompletedAt.IsZero())
	for _, c := range f.chunks(t, job) {
		assert.Equal(t, models.JobStatusFailed, c.Status)
		assert.Equal(t, "job timed out", c.Error)
	}
	assert.Equal(t, 1, f.provider.Calls())
}

func TestHeartbeatDuringLongChunk(t *testing.T) {
	f := newFixture(t, nil)
	q := &recordingQueue{}
	f.svc.queue = q
	f.svc.heartbeatEvery = 10 * time.Millisecond
	job := f.seedJob(t, "m1", "A")
	reaper := scheduler.NewReaper(f.storage.JobStorage(), f.storage.ChunkStorage(),
		common.SchedulerConfig{StaleAfter: "200ms"}, arbor.NewLogger())

	f.provider.onCall = func(ctx context.Context, n int) {
		time.Sleep(300 * time.Millisecond)
		reaped, err := reaper.ReapStale(ctx)
		assert.NoError(t, err)
		assert.Zero(t, reaped, "heartbeats keep the job fresh while a chunk runs")
	}

	require.NoError(t, f.svc.Process(context.Background(), job.ID, "task-1"))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusFinished, got.Status)
	assert.True(t, got.HeartbeatAt.After(got.StartedAt))

	extended := q.Extended()
	require.NotEmpty(t, extended)
	for _, id := range extended {
		assert.Equal(t, "task-1", id)
	}
}

func TestReapedJobKeepsFailedStatus(t *testing.T) {
	f := newFixture(t, nil)
	job := f.seedJob(t, "m1", "A", "B")
	reaper := scheduler.NewReaper(f.storage.JobStorage(), f.storage.ChunkStorage(),
		common.SchedulerConfig{StaleAfter: "1ms"}, arbor.NewLogger())

	f.provider.onCall = func(ctx context.Context, n int) {
		if n != 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
		reaped, err := reaper.ReapStale(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 1, reaped)
	}

	require.NoError(t, f.svc.Process(context.Background(), job.ID, "task-1"))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "job stale")
	assert.Equal(t, 3, got.ActualInputTokens, "usage of the discarded chunk is still counted")

	for _, c := range f.chunks(t, job) {
		assert.Equal(t, models.JobStatusFailed, c.Status)
		assert.Contains(t, c.Error, "job stale")
		assert.Empty(t, c.Output)
	}
	assert.Equal(t, 1, f.provider.Calls())
}

func TestCancelledChunkIsNotClaimed(t *testing.T) {
	f := newFixture(t, nil)
	job := f.seedJob(t, "m1", "A")
	ctx := context.Background()

	listed := f.chunks(t, job)[0]
	_, err := f.storage.ChunkStorage().TransitionChunks(ctx, job.ID, job.Generation,
		[]models.ChunkStatus{models.JobStatusQueued}, models.JobStatusCancelled, "cancelled by user")
	require.NoError(t, err)

	p, err := f.svc.preflight(ctx, job)
	require.NoError(t, err)
	require.NoError(t, f.svc.processChunk(ctx, p, listed, &usage{}, arbor.NewLogger()))

	assert.Equal(t, 0, f.provider.Calls())
	got := f.chunks(t, job)[0]
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Equal(t, "cancelled by user", got.Error)
}

func TestSupersededTaskIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	job := f.seedJob(t, "m1", "A")
	_, err := f.storage.JobStorage().UpdateJob(context.Background(), job.ID, func(j *models.Job) error {
		j.TaskID = "tsk_new"
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Process(context.Background(), job.ID, "tsk_old"))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, "tsk_new", got.TaskID)
	assert.Equal(t, 0, f.provider.Calls())
	assert.Empty(t, f.cred.released)
}

func TestRedispatchedJobStopsRun(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.heartbeatEvery = 10 * time.Millisecond
	job := f.seedJob(t, "m1", "A", "B")

	f.provider.onCall = func(ctx context.Context, n int) {
		if n != 1 {
			return
		}
		_, err := f.storage.JobStorage().UpdateJob(context.Background(), job.ID, func(j *models.Job) error {
			j.TaskID = "task-2"
			return nil
		})
		assert.NoError(t, err)
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}

	require.NoError(t, f.svc.Process(context.Background(), job.ID, "task-1"))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusRunning, got.Status, "the new task settles the job")
	assert.Equal(t, "task-2", got.TaskID)

	chunks := f.chunks(t, job)
	assert.Equal(t, models.JobStatusRunning, chunks[0].Status, "left for the new task to reclaim")
	assert.Equal(t, models.JobStatusQueued, chunks[1].Status)
	assert.Equal(t, 1, f.provider.Calls())
}
