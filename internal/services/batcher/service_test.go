package batcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	badgerstore "github.com/ternarybob/vigil/internal/storage/badger"
)

// fakeProvider is an in-memory BatchProvider. Tests script its behaviour
// per handle.
type fakeProvider struct {
	mu          sync.Mutex
	states      map[string]interfaces.BatchState
	resultFiles map[string]string
	files       map[string][]byte
	uploadErr   error
	createErr   error
	uploads     []string
	created     int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		states:      make(map[string]interfaces.BatchState),
		resultFiles: make(map[string]string),
		files:       make(map[string][]byte),
	}
}

func (p *fakeProvider) UploadRequestFile(ctx context.Context, path, displayName string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.uploadErr != nil {
		return "", p.uploadErr
	}
	name := fmt.Sprintf("files/upload-%d", len(p.uploads))
	p.uploads = append(p.uploads, name)
	return name, nil
}

func (p *fakeProvider) CreateBatch(ctx context.Context, fileName string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return "", p.createErr
	}
	p.created++
	handle := fmt.Sprintf("batches/handle-%d", p.created)
	p.states[handle] = interfaces.BatchStatePending
	return handle, nil
}

func (p *fakeProvider) GetBatchState(ctx context.Context, handle string) (interfaces.BatchState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.states[handle]
	if !ok {
		return interfaces.BatchStateUnknown, interfaces.ErrHandleNotFound
	}
	return state, nil
}

func (p *fakeProvider) GetResultFileName(ctx context.Context, handle string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.states[handle]; !ok {
		return "", interfaces.ErrHandleNotFound
	}
	name, ok := p.resultFiles[handle]
	if !ok {
		return "", interfaces.ErrNoResultFile
	}
	return name, nil
}

func (p *fakeProvider) DownloadFile(ctx context.Context, fileName string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.files[fileName]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", fileName)
	}
	return data, nil
}

func (p *fakeProvider) setState(handle string, state interfaces.BatchState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[handle] = state
}

func (p *fakeProvider) setResult(handle, fileName string, content []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resultFiles[handle] = fileName
	p.files[fileName] = content
}

// fakeQueue records enqueued messages per queue.
type fakeQueue struct {
	mu       sync.Mutex
	messages map[string][]models.QueueMessage
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{messages: make(map[string][]models.QueueMessage)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, queue string, msg models.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages[queue] = append(q.messages[queue], msg)
	return nil
}

func (q *fakeQueue) Receive(ctx context.Context, queue string) (*models.QueueMessage, func() error, error) {
	return nil, nil, models.ErrNoMessage
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) count(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages[queue])
}

type testEnv struct {
	svc      *Service
	storage  *badgerstore.Manager
	provider *fakeProvider
	queue    *fakeQueue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := arbor.NewLogger()
	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	config := &common.BatchConfig{
		MaxBatchBytes:   1 << 30,
		IdleSeconds:     120,
		TickSeconds:     60,
		ProviderModel:   "models/gemini-2.0-flash",
		ProviderTimeout: "60s",
		StoreTimeout:    "10s",
	}

	provider := newFakeProvider()
	queue := newFakeQueue()

	svc, err := NewService(config, storage, provider, queue, logger)
	if err != nil {
		t.Fatalf("Failed to create batch service: %v", err)
	}

	return &testEnv{svc: svc, storage: storage, provider: provider, queue: queue}
}

func (e *testEnv) addItem(t *testing.T, id, text string) *models.Item {
	t.Helper()
	item := &models.Item{
		ID:    id,
		Title: "Title " + id,
		Link:  "https://example.com/" + id,
		Text:  text,
	}
	if err := e.storage.ItemStorage().SaveItem(context.Background(), item); err != nil {
		t.Fatalf("Failed to save item %s: %v", id, err)
	}
	return item
}

func (e *testEnv) jobsByStatus(t *testing.T, status models.BatchStatus) []*models.BatchJob {
	t.Helper()
	jobs, err := e.storage.BatchStorage().ListJobsByStatus(context.Background(), status)
	if err != nil {
		t.Fatalf("Failed to list %s jobs: %v", status, err)
	}
	return jobs
}

func TestRegisterAddsItemToOpenJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addItem(t, "item-1", "some page text")

	ok, err := env.svc.Register(ctx, "item-1", 0)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected registration to succeed")
	}

	accepting := env.jobsByStatus(t, models.BatchStatusAccepting)
	if len(accepting) != 1 {
		t.Fatalf("Expected exactly 1 accepting job, got %d", len(accepting))
	}
	job := accepting[0]
	if job.ItemCount != 1 || job.FileSizeBytes <= 0 {
		t.Errorf("Unexpected job counters: count=%d size=%d", job.ItemCount, job.FileSizeBytes)
	}

	item, err := env.storage.ItemStorage().GetItem(ctx, "item-1")
	if err != nil {
		t.Fatalf("Failed to read item: %v", err)
	}
	if item.AnalysisJobID != job.ID {
		t.Errorf("Item back-reference = %q, want %q", item.AnalysisJobID, job.ID)
	}
}

func TestRegisterDuplicateReturnsFalse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addItem(t, "item-1", "text")

	if ok, err := env.svc.Register(ctx, "item-1", 0); err != nil || !ok {
		t.Fatalf("First registration: ok=%v err=%v", ok, err)
	}
	ok, err := env.svc.Register(ctx, "item-1", 0)
	if err != nil {
		t.Fatalf("Second registration errored: %v", err)
	}
	if ok {
		t.Error("Expected duplicate registration to return false")
	}

	accepting := env.jobsByStatus(t, models.BatchStatusAccepting)
	if len(accepting) != 1 || accepting[0].ItemCount != 1 {
		t.Errorf("Duplicate registration changed job counters")
	}
}

func TestRegisterIneligibleItem(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addItem(t, "no-text", "")

	ok, err := env.svc.Register(ctx, "no-text", 100)
	if err != nil {
		t.Fatalf("Register errored: %v", err)
	}
	if ok {
		t.Error("Expected item without text to be rejected")
	}
}

func TestRegisterRollsOverAtSizeCap(t *testing.T) {
	env := newTestEnv(t)
	env.svc.config.MaxBatchBytes = 100
	ctx := context.Background()

	env.addItem(t, "item-1", "text one")
	env.addItem(t, "item-2", "text two")

	if ok, err := env.svc.Register(ctx, "item-1", 60); err != nil || !ok {
		t.Fatalf("First registration: ok=%v err=%v", ok, err)
	}
	if ok, err := env.svc.Register(ctx, "item-2", 60); err != nil || !ok {
		t.Fatalf("Second registration: ok=%v err=%v", ok, err)
	}

	accepting := env.jobsByStatus(t, models.BatchStatusAccepting)
	if len(accepting) != 1 {
		t.Fatalf("Expected exactly 1 accepting job after rollover, got %d", len(accepting))
	}
	pending := env.jobsByStatus(t, models.BatchStatusPending)
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending job after rollover, got %d", len(pending))
	}

	if pending[0].ItemCount != 1 || pending[0].FileSizeBytes != 60 {
		t.Errorf("Sealed job counters: count=%d size=%d", pending[0].ItemCount, pending[0].FileSizeBytes)
	}
	if accepting[0].ItemCount != 1 || accepting[0].FileSizeBytes != 60 {
		t.Errorf("Open job counters: count=%d size=%d", accepting[0].ItemCount, accepting[0].FileSizeBytes)
	}
	if accepting[0].FileSizeBytes > env.svc.config.MaxBatchBytes {
		t.Error("Size cap violated")
	}
}

func TestRegisterRequestLargerThanCap(t *testing.T) {
	env := newTestEnv(t)
	env.svc.config.MaxBatchBytes = 100
	ctx := context.Background()

	env.addItem(t, "item-1", "text")

	_, err := env.svc.Register(ctx, "item-1", 200)
	if err == nil {
		t.Fatal("Expected an error for an estimate above the cap")
	}
	if !strings.Contains(err.Error(), interfaces.ErrRequestTooLarge.Error()) {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestSweepIdleSealsQuietJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addItem(t, "item-1", "text")
	if ok, err := env.svc.Register(ctx, "item-1", 0); err != nil || !ok {
		t.Fatalf("Registration: ok=%v err=%v", ok, err)
	}

	// Not idle yet.
	jobID, err := env.svc.SweepIdle(ctx)
	if err != nil {
		t.Fatalf("SweepIdle failed: %v", err)
	}
	if jobID != "" {
		t.Fatalf("Expected no sweep before the idle window, got %q", jobID)
	}

	env.svc.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	jobID, err = env.svc.SweepIdle(ctx)
	if err != nil {
		t.Fatalf("SweepIdle failed: %v", err)
	}
	if jobID == "" {
		t.Fatal("Expected the quiet job to be sealed")
	}

	pending := env.jobsByStatus(t, models.BatchStatusPending)
	if len(pending) != 1 || pending[0].ID != jobID {
		t.Errorf("Sealed job not pending")
	}
	accepting := env.jobsByStatus(t, models.BatchStatusAccepting)
	if len(accepting) != 1 || accepting[0].ItemCount != 0 {
		t.Errorf("Expected a fresh empty accepting job")
	}
}

func TestSweepIdleIgnoresEmptyJob(t *testing.T) {
	env := newTestEnv(t)
	env.svc.now = func() time.Time { return time.Now().Add(time.Hour) }

	jobID, err := env.svc.SweepIdle(context.Background())
	if err != nil {
		t.Fatalf("SweepIdle failed: %v", err)
	}
	if jobID != "" {
		t.Errorf("Empty job must never be sealed, got %q", jobID)
	}
}

func TestSubmitPendingSubmitsJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addItem(t, "item-1", "text")
	if ok, err := env.svc.Register(ctx, "item-1", 0); err != nil || !ok {
		t.Fatalf("Registration: ok=%v err=%v", ok, err)
	}
	env.svc.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	if _, err := env.svc.SweepIdle(ctx); err != nil {
		t.Fatalf("SweepIdle failed: %v", err)
	}

	handles, err := env.svc.SubmitPending(ctx)
	if err != nil {
		t.Fatalf("SubmitPending failed: %v", err)
	}
	if len(handles) != 1 {
		t.Fatalf("Expected 1 handle, got %d", len(handles))
	}

	submitted := env.jobsByStatus(t, models.BatchStatusSubmitted)
	if len(submitted) != 1 {
		t.Fatalf("Expected 1 submitted job, got %d", len(submitted))
	}
	if submitted[0].ProviderHandle != handles[0] {
		t.Errorf("Handle not stamped on the job")
	}
	if len(env.provider.uploads) != 1 {
		t.Errorf("Expected 1 upload, got %d", len(env.provider.uploads))
	}
}

func TestSubmitFailureMarksJobFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addItem(t, "item-1", "text")
	if ok, err := env.svc.Register(ctx, "item-1", 0); err != nil || !ok {
		t.Fatalf("Registration: ok=%v err=%v", ok, err)
	}
	env.svc.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	if _, err := env.svc.SweepIdle(ctx); err != nil {
		t.Fatalf("SweepIdle failed: %v", err)
	}

	env.provider.uploadErr = fmt.Errorf("upload rejected")
	handles, err := env.svc.SubmitPending(ctx)
	if err != nil {
		t.Fatalf("SubmitPending failed: %v", err)
	}
	if len(handles) != 0 {
		t.Fatalf("Expected no handles, got %v", handles)
	}

	failed := env.jobsByStatus(t, models.BatchStatusFailed)
	if len(failed) != 1 {
		t.Fatalf("Expected 1 failed job, got %d", len(failed))
	}
	if failed[0].Error == "" {
		t.Error("Expected the provider error recorded on the job")
	}

	// A failed job releases its claims, so the item is eligible again.
	eligible, err := env.storage.ItemStorage().ListEligibleItems(ctx)
	if err != nil {
		t.Fatalf("ListEligibleItems failed: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != "item-1" {
		t.Errorf("Item of the failed job should be re-registrable")
	}
}

func TestPollSubmittedTransitions(t *testing.T) {
	cases := []struct {
		name  string
		state interfaces.BatchState
		want  models.BatchStatus
	}{
		{"succeeded", interfaces.BatchStateSucceeded, models.BatchStatusProcessed},
		{"failed", interfaces.BatchStateFailed, models.BatchStatusFailed},
		{"cancelled", interfaces.BatchStateCancelled, models.BatchStatusFailed},
		{"expired", interfaces.BatchStateExpired, models.BatchStatusFailed},
		{"running", interfaces.BatchStateRunning, models.BatchStatusSubmitted},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			handle := submitOneJob(t, env, "item-1")

			env.provider.setState(handle, tc.state)
			if _, err := env.svc.PollSubmitted(ctx); err != nil {
				t.Fatalf("PollSubmitted failed: %v", err)
			}

			jobs := env.jobsByStatus(t, tc.want)
			if len(jobs) != 1 {
				t.Fatalf("Expected job in %s, got %d there", tc.want, len(jobs))
			}
		})
	}
}

func TestPollLeavesUnknownHandleSubmitted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	handle := submitOneJob(t, env, "item-1")

	// Provider forgets the handle entirely.
	env.provider.mu.Lock()
	delete(env.provider.states, handle)
	env.provider.mu.Unlock()

	advanced, err := env.svc.PollSubmitted(ctx)
	if err != nil {
		t.Fatalf("PollSubmitted failed: %v", err)
	}
	if len(advanced) != 0 {
		t.Fatalf("Expected no transitions, got %v", advanced)
	}
	if len(env.jobsByStatus(t, models.BatchStatusSubmitted)) != 1 {
		t.Error("Job with a missing provider record must stay submitted")
	}
}

// submitOneJob registers one item, seals and submits the job, and returns
// the provider handle.
func submitOneJob(t *testing.T, env *testEnv, itemID string) string {
	t.Helper()
	ctx := context.Background()

	env.addItem(t, itemID, "suspicious page text")
	if ok, err := env.svc.Register(ctx, itemID, 0); err != nil || !ok {
		t.Fatalf("Registration: ok=%v err=%v", ok, err)
	}
	env.svc.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	if _, err := env.svc.SweepIdle(ctx); err != nil {
		t.Fatalf("SweepIdle failed: %v", err)
	}
	env.svc.now = time.Now

	handles, err := env.svc.SubmitPending(ctx)
	if err != nil || len(handles) != 1 {
		t.Fatalf("SubmitPending: handles=%v err=%v", handles, err)
	}
	return handles[0]
}

func resultFileLine(t *testing.T, itemID string, payload interface{}) string {
	t.Helper()
	text, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	line := map[string]interface{}{
		"key": itemID,
		"response": map[string]interface{}{
			"candidates": []interface{}{
				map[string]interface{}{
					"content": map[string]interface{}{
						"parts": []interface{}{
							map[string]interface{}{"text": string(text)},
						},
					},
				},
			},
		},
	}
	data, err := json.Marshal(line)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestCompleteProcessedWritesAnalysisBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	handle := submitOneJob(t, env, "item-1")

	env.provider.setState(handle, interfaces.BatchStateSucceeded)
	if _, err := env.svc.PollSubmitted(ctx); err != nil {
		t.Fatalf("PollSubmitted failed: %v", err)
	}

	good := resultFileLine(t, "item-1", map[string]interface{}{
		"drugs_related": true,
		"promotions": []interface{}{
			map[string]interface{}{
				"content": "buy here",
				"identifiers": []interface{}{
					map[string]interface{}{"identifier": "t.me/somechannel"},
				},
			},
		},
	})
	notJSON := "this is not json"
	badSchema := resultFileLine(t, "item-1", map[string]interface{}{"unrelated": 1})
	content := strings.Join([]string{good, notJSON, badSchema, ""}, "\n")
	env.provider.setResult(handle, "files/result-1", []byte(content))

	stats, err := env.svc.CompleteProcessed(ctx)
	if err != nil {
		t.Fatalf("CompleteProcessed failed: %v", err)
	}
	if stats.Jobs != 1 || stats.Applied != 1 || stats.SkippedLines != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	if len(env.jobsByStatus(t, models.BatchStatusCompleted)) != 1 {
		t.Fatal("Expected the job completed")
	}

	item, err := env.storage.ItemStorage().GetItem(ctx, "item-1")
	if err != nil {
		t.Fatalf("Failed to read item: %v", err)
	}
	if item.Analysis == nil || !item.Analysis.IsDrugsRelated() {
		t.Fatal("Analysis not applied to the item")
	}
	if len(item.Analysis.Promotions) != 1 || item.Analysis.Promotions[0].Identifiers[0].Identifier != "t.me/somechannel" {
		t.Errorf("Unexpected analysis content: %+v", item.Analysis)
	}
}

func TestCompleteProcessedWaitsForResultFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	handle := submitOneJob(t, env, "item-1")

	env.provider.setState(handle, interfaces.BatchStateSucceeded)
	if _, err := env.svc.PollSubmitted(ctx); err != nil {
		t.Fatalf("PollSubmitted failed: %v", err)
	}

	// No result file registered yet.
	stats, err := env.svc.CompleteProcessed(ctx)
	if err != nil {
		t.Fatalf("CompleteProcessed failed: %v", err)
	}
	if stats.Jobs != 0 {
		t.Errorf("Job completed without a result file: %+v", stats)
	}
	if len(env.jobsByStatus(t, models.BatchStatusProcessed)) != 1 {
		t.Error("Job must stay processed until the result file exists")
	}
}

func TestFanOutEmitsUnprocessedIdentifiers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	yes := true
	item := env.addItem(t, "item-1", "text")
	item.Analysis = &models.Analysis{
		DrugsRelated: &yes,
		Promotions: []models.Promotion{
			{
				Content: "ad",
				Identifiers: []models.ChannelIdentifier{
					{Identifier: "t.me/one"},
					{Identifier: "t.me/two", IsProcessed: true},
				},
			},
		},
	}
	if err := env.storage.ItemStorage().SaveItem(ctx, item); err != nil {
		t.Fatalf("Failed to save item: %v", err)
	}

	emitted, err := env.svc.FanOut(ctx)
	if err != nil {
		t.Fatalf("FanOut failed: %v", err)
	}
	if emitted != 1 {
		t.Fatalf("Expected 1 task, got %d", emitted)
	}
	if env.queue.count(models.QueueTelegram) != 1 {
		t.Fatalf("Expected 1 telegram message")
	}

	var payload models.TelegramPayload
	if err := json.Unmarshal(env.queue.messages[models.QueueTelegram][0].Payload, &payload); err != nil {
		t.Fatalf("Bad payload: %v", err)
	}
	if payload.Identifier != "t.me/one" || payload.ItemID != "item-1" {
		t.Errorf("Unexpected payload: %+v", payload)
	}
	if payload.Path != "analysis.promotions.0.identifiers.0" {
		t.Errorf("Unexpected path: %s", payload.Path)
	}

	// Write-back stops re-emission.
	if err := env.storage.ItemStorage().MarkIdentifierProcessed(ctx, "item-1", 0, 0, 4242, ""); err != nil {
		t.Fatalf("MarkIdentifierProcessed failed: %v", err)
	}
	emitted, err = env.svc.FanOut(ctx)
	if err != nil {
		t.Fatalf("FanOut failed: %v", err)
	}
	if emitted != 0 {
		t.Errorf("Expected no tasks after write-back, got %d", emitted)
	}
}

func TestResetFailsOpenJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	submitOneJob(t, env, "item-1")

	flipped, err := env.svc.Reset(ctx)
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	// The submitted job plus the open accepting job.
	if flipped != 2 {
		t.Errorf("Expected 2 jobs flipped, got %d", flipped)
	}

	if len(env.jobsByStatus(t, models.BatchStatusAccepting)) != 1 {
		t.Error("Reset must re-open the accepting job")
	}

	// RegisterAll picks the released item up again.
	queued, err := env.svc.RegisterAll(ctx)
	if err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}
	if queued != 1 {
		t.Errorf("Expected 1 item requeued, got %d", queued)
	}
	if env.queue.count(models.QueueAnalyze) != 1 {
		t.Error("Expected an analyze message")
	}
}

func TestStatsHistogram(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	submitOneJob(t, env, "item-1")

	stats, err := env.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.StatusCounts[models.BatchStatusSubmitted] != 1 {
		t.Errorf("Expected 1 submitted job in histogram: %+v", stats.StatusCounts)
	}
	if stats.StatusCounts[models.BatchStatusAccepting] != 1 {
		t.Errorf("Expected 1 accepting job in histogram: %+v", stats.StatusCounts)
	}
}
