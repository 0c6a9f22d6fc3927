package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outfitapi/models"
	"outfitapi/prompts"
	"outfitapi/services"
)

type stubCatalog struct {
	items []models.WardrobeItem
	err   error
}

func (s stubCatalog) ItemsForUser(ctx context.Context, userID uint) ([]models.WardrobeItem, error) {
	return s.items, s.err
}

type stubProfile struct {
	words []string
}

func (s stubProfile) StyleWordsForUser(ctx context.Context, userID uint) ([]string, error) {
	return s.words, nil
}

type batchLLM struct {
	mu     sync.Mutex
	calls  int
	script []func() (*services.LLMResponse, error)
}

func (m *batchLLM) GenerateOutfits(ctx context.Context, prompt, system string, maxTokens int32) (*services.LLMResponse, error) {
	m.mu.Lock()
	step := m.calls
	m.calls++
	m.mu.Unlock()
	if step >= len(m.script) {
		step = len(m.script) - 1
	}
	return m.script[step]()
}

func (m *batchLLM) GenerateOutfitsStream(ctx context.Context, prompt, system string, maxTokens int32) (<-chan services.StreamChunk, error) {
	return nil, fmt.Errorf("stream not scripted")
}

type streamStep struct {
	chunks []services.StreamChunk
	block  bool // hold the stream open until the task budget expires
}

type streamLLM struct {
	mu     sync.Mutex
	calls  int
	script []streamStep
}

func (m *streamLLM) GenerateOutfits(ctx context.Context, prompt, system string, maxTokens int32) (*services.LLMResponse, error) {
	return nil, fmt.Errorf("batch not scripted")
}

func (m *streamLLM) GenerateOutfitsStream(ctx context.Context, prompt, system string, maxTokens int32) (<-chan services.StreamChunk, error) {
	m.mu.Lock()
	step := m.calls
	m.calls++
	m.mu.Unlock()
	if step >= len(m.script) {
		step = len(m.script) - 1
	}
	s := m.script[step]

	ch := make(chan services.StreamChunk)
	go func() {
		defer close(ch)
		for _, chunk := range s.chunks {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if s.block {
			<-ctx.Done()
			ch <- services.StreamChunk{Err: ctx.Err()}
		}
	}()
	return ch, nil
}

func testItems() []models.WardrobeItem {
	return []models.WardrobeItem{
		{Name: "White Oxford Shirt", Category: "top"},
		{Name: "Dark Jeans", Category: "bottom"},
		{Name: "White Sneakers", Category: "shoes"},
	}
}

func outfitJSON(n int) string {
	var records []string
	for i := range n {
		records = append(records, fmt.Sprintf(
			`{"items": [{"name": "Outfit %d Top", "category": "top"}], "styling_tip": "Tip %d."}`, i+1, i+1))
	}
	return "[" + strings.Join(records, ",") + "]"
}

func testJob(streaming bool) GenerationJob {
	return GenerationJob{
		UserID:        1,
		PromptVersion: prompts.VersionDirect,
		Strategy:      &prompts.DirectStrategy{},
		Input:         prompts.RenderInput{Mode: prompts.ModeOccasion, Occasions: []string{"work"}},
		Streaming:     streaming,
	}
}

func newTestScheduler(t *testing.T, llm services.OutfitLLM) *Scheduler {
	t.Helper()
	s := New(Config{
		Workers:      1,
		QueueSize:    8,
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
		TaskBudget:   2 * time.Second,
		RetentionTTL: time.Minute,
	}, llm, stubCatalog{items: testItems()}, stubProfile{words: []string{"minimal"}})
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

// drainEvents subscribes and collects events until the stream closes.
func drainEvents(t *testing.T, s *Scheduler, taskID string) []ProgressEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := s.Subscribe(ctx, taskID)
	require.NoError(t, err)
	var events []ProgressEvent
	for ev := range ch {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	require.True(t, events[len(events)-1].Terminal(), "subscription ended without a terminal event")
	return events
}

func eventsOfKind(events []ProgressEvent, kind EventKind) []ProgressEvent {
	var out []ProgressEvent
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestBatchTaskCompletes(t *testing.T) {
	llm := &batchLLM{script: []func() (*services.LLMResponse, error){
		func() (*services.LLMResponse, error) {
			return &services.LLMResponse{Response: outfitJSON(3)}, nil
		},
	}}
	s := newTestScheduler(t, llm)

	taskID, err := s.Submit(testJob(false))
	require.NoError(t, err)

	events := drainEvents(t, s, taskID)
	outfitEvents := eventsOfKind(events, EventOutfit)
	require.Len(t, outfitEvents, 3)
	assert.Equal(t, 1, outfitEvents[0].Index)
	assert.Equal(t, "Outfit 1 Top", outfitEvents[0].Outfit.Items[0].Name)

	final := events[len(events)-1]
	assert.Equal(t, EventComplete, final.Kind)
	assert.Equal(t, 3, final.Total)

	snap, err := s.Status(taskID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, snap.State)
	assert.Equal(t, 100, snap.Percent)
	assert.Len(t, snap.Records, 3)
	assert.Equal(t, 1, snap.Attempt)
}

func TestPercentsNeverDecrease(t *testing.T) {
	llm := &batchLLM{script: []func() (*services.LLMResponse, error){
		func() (*services.LLMResponse, error) {
			return &services.LLMResponse{Response: outfitJSON(2)}, nil
		},
	}}
	s := newTestScheduler(t, llm)

	taskID, err := s.Submit(testJob(false))
	require.NoError(t, err)

	events := drainEvents(t, s, taskID)
	last := -1
	for _, ev := range events {
		if ev.Kind != EventProgress && ev.Kind != EventOutfit {
			continue
		}
		assert.GreaterOrEqual(t, ev.Percent, last)
		last = ev.Percent
	}
}

func TestStreamingEmitsOutfitsBeforeCompletion(t *testing.T) {
	full := outfitJSON(2)
	llm := &streamLLM{script: []streamStep{
		{chunks: []services.StreamChunk{
			{Text: full[:len(full)/2]},
			{Text: full[len(full)/2:]},
		}},
	}}
	s := newTestScheduler(t, llm)

	taskID, err := s.Submit(testJob(true))
	require.NoError(t, err)

	events := drainEvents(t, s, taskID)
	firstOutfit, lastIdx := -1, -1
	for i, ev := range events {
		if ev.Kind == EventOutfit && firstOutfit == -1 {
			firstOutfit = i
		}
		if ev.Kind == EventComplete {
			lastIdx = i
		}
	}
	require.NotEqual(t, -1, firstOutfit)
	require.NotEqual(t, -1, lastIdx)
	assert.Less(t, firstOutfit, lastIdx)

	snap, _ := s.Status(taskID)
	assert.Equal(t, StateComplete, snap.State)
	assert.Len(t, snap.Records, 2)
}

func TestRetryableFailureRecovers(t *testing.T) {
	llm := &batchLLM{script: []func() (*services.LLMResponse, error){
		func() (*services.LLMResponse, error) {
			return nil, &services.ProviderError{Retryable: true, Cause: fmt.Errorf("429 rate limited")}
		},
		func() (*services.LLMResponse, error) {
			return &services.LLMResponse{Response: outfitJSON(1)}, nil
		},
	}}
	s := newTestScheduler(t, llm)

	taskID, err := s.Submit(testJob(false))
	require.NoError(t, err)
	drainEvents(t, s, taskID)

	snap, err := s.Status(taskID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, snap.State)
	assert.Equal(t, 2, snap.Attempt)
	assert.Len(t, snap.Records, 1)
}

func TestRetryExhaustionFailsTask(t *testing.T) {
	llm := &batchLLM{script: []func() (*services.LLMResponse, error){
		func() (*services.LLMResponse, error) {
			return nil, &services.ProviderError{Retryable: true, Cause: fmt.Errorf("unavailable")}
		},
	}}
	s := newTestScheduler(t, llm)

	taskID, err := s.Submit(testJob(false))
	require.NoError(t, err)
	events := drainEvents(t, s, taskID)

	final := events[len(events)-1]
	assert.Equal(t, EventError, final.Kind)
	assert.Contains(t, final.Detail, "unavailable")

	snap, _ := s.Status(taskID)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, 3, snap.Attempt)
	assert.Equal(t, 3, llm.calls)
}

func TestExtractionFailureDoesNotRetry(t *testing.T) {
	llm := &batchLLM{script: []func() (*services.LLMResponse, error){
		func() (*services.LLMResponse, error) {
			return &services.LLMResponse{Response: "I am sorry, I cannot help with that."}, nil
		},
	}}
	s := newTestScheduler(t, llm)

	taskID, err := s.Submit(testJob(false))
	require.NoError(t, err)
	drainEvents(t, s, taskID)

	snap, _ := s.Status(taskID)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, 1, snap.Attempt)
	assert.Equal(t, 1, llm.calls)
}

func TestRetryReplacesPartialResults(t *testing.T) {
	llm := &streamLLM{script: []streamStep{
		{chunks: []services.StreamChunk{
			{Text: outfitJSON(1)[:len(outfitJSON(1))-1]}, // open array, one record emitted
			{Err: &services.ProviderError{Retryable: true, Cause: fmt.Errorf("connection reset")}},
		}},
		{chunks: []services.StreamChunk{{Text: outfitJSON(2)}}},
	}}
	s := newTestScheduler(t, llm)

	taskID, err := s.Submit(testJob(true))
	require.NoError(t, err)
	events := drainEvents(t, s, taskID)

	snap, _ := s.Status(taskID)
	assert.Equal(t, StateComplete, snap.State)
	assert.Equal(t, 2, snap.Attempt)
	require.Len(t, snap.Records, 2)

	// the second attempt starts its outfit numbering from one again
	outfitEvents := eventsOfKind(events, EventOutfit)
	require.Len(t, outfitEvents, 3)
	assert.Equal(t, 1, outfitEvents[0].Index)
	assert.Equal(t, 1, outfitEvents[1].Index)
	assert.Equal(t, 2, outfitEvents[2].Index)
}

func TestTimeoutKeepsPartialRecords(t *testing.T) {
	llm := &streamLLM{script: []streamStep{
		{
			chunks: []services.StreamChunk{
				{Text: `[{"items": [{"name": "Parka", "category": "outerwear"}], "styling_tip": "Zip it up."},`},
			},
			block: true,
		},
	}}
	s := New(Config{
		Workers:      1,
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
		TaskBudget:   100 * time.Millisecond,
		RetentionTTL: time.Minute,
	}, llm, stubCatalog{items: testItems()}, stubProfile{})
	s.Start()
	t.Cleanup(s.Stop)

	taskID, err := s.Submit(testJob(true))
	require.NoError(t, err)
	drainEvents(t, s, taskID)

	snap, _ := s.Status(taskID)
	assert.Equal(t, StateTimedOut, snap.State)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "Parka", snap.Records[0].Items[0].Name)
	// timeouts are terminal, no second attempt happens
	assert.Equal(t, 1, llm.calls)
}

func TestPartialFailureKeepsRecords(t *testing.T) {
	llm := &streamLLM{script: []streamStep{
		{chunks: []services.StreamChunk{
			{Text: `[{"items": [{"name": "Coat", "category": "outerwear"}], "styling_tip": "Collar up."},`},
			{Err: &services.ProviderError{Retryable: false, Cause: fmt.Errorf("content violation: blocked")}},
		}},
	}}
	s := newTestScheduler(t, llm)

	taskID, err := s.Submit(testJob(true))
	require.NoError(t, err)
	drainEvents(t, s, taskID)

	snap, _ := s.Status(taskID)
	assert.Equal(t, StateFailed, snap.State)
	assert.Len(t, snap.Records, 1)
	assert.NotEmpty(t, snap.Error)
}

func TestStreamingTaskReportsPartialCompletion(t *testing.T) {
	llm := &streamLLM{script: []streamStep{
		{
			chunks: []services.StreamChunk{
				{Text: `[{"items": [{"name": "Parka", "category": "outerwear"}], "styling_tip": "Zip it up."},`},
			},
			block: true,
		},
	}}
	s := New(Config{
		Workers:      1,
		MaxAttempts:  1,
		RetryBackoff: time.Millisecond,
		TaskBudget:   500 * time.Millisecond,
		RetentionTTL: time.Minute,
	}, llm, stubCatalog{items: testItems()}, stubProfile{})
	s.Start()
	t.Cleanup(s.Stop)

	taskID, err := s.Submit(testJob(true))
	require.NoError(t, err)

	// the first record has been appended but the stream is still open, so
	// a poll must show partially_complete, not running
	require.Eventually(t, func() bool {
		snap, err := s.Status(taskID)
		return err == nil && snap.State == StatePartiallyComplete
	}, time.Second, 5*time.Millisecond)

	assert.False(t, StatePartiallyComplete.Terminal())

	drainEvents(t, s, taskID)
	snap, _ := s.Status(taskID)
	assert.Equal(t, StateTimedOut, snap.State)
	assert.Len(t, snap.Records, 1)
}

func TestBudgetSpansRetries(t *testing.T) {
	llm := &batchLLM{script: []func() (*services.LLMResponse, error){
		func() (*services.LLMResponse, error) {
			return nil, &services.ProviderError{Retryable: true, Cause: fmt.Errorf("503 unavailable")}
		},
	}}
	s := New(Config{
		Workers:      1,
		MaxAttempts:  3,
		RetryBackoff: 300 * time.Millisecond,
		TaskBudget:   100 * time.Millisecond,
		RetentionTTL: time.Minute,
	}, llm, stubCatalog{items: testItems()}, stubProfile{})
	s.Start()
	t.Cleanup(s.Stop)

	taskID, err := s.Submit(testJob(false))
	require.NoError(t, err)
	drainEvents(t, s, taskID)

	// the budget expires during the first backoff, so the task times out
	// instead of burning a worker for three full attempts
	snap, _ := s.Status(taskID)
	assert.Equal(t, StateTimedOut, snap.State)
	assert.Equal(t, 1, llm.calls)
}

func TestStopFailsQueuedTasks(t *testing.T) {
	// never started, so the queued task cannot be picked up by a worker
	s := New(Config{Workers: 1, QueueSize: 4}, &batchLLM{}, stubCatalog{items: testItems()}, stubProfile{})

	taskID, err := s.Submit(testJob(false))
	require.NoError(t, err)

	s.Stop()

	snap, err := s.Status(taskID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, snap.State)
	assert.Contains(t, snap.Error, "stopped")
}

func TestEmptyWardrobeFails(t *testing.T) {
	llm := &batchLLM{script: []func() (*services.LLMResponse, error){
		func() (*services.LLMResponse, error) {
			return &services.LLMResponse{Response: outfitJSON(1)}, nil
		},
	}}
	s := New(Config{Workers: 1, RetryBackoff: time.Millisecond}, llm, stubCatalog{}, stubProfile{})
	s.Start()
	t.Cleanup(s.Stop)

	taskID, err := s.Submit(testJob(false))
	require.NoError(t, err)
	drainEvents(t, s, taskID)

	snap, _ := s.Status(taskID)
	assert.Equal(t, StateFailed, snap.State)
	assert.Contains(t, snap.Error, "wardrobe is empty")
	assert.Equal(t, 0, llm.calls)
}

func TestStatusUnknownTask(t *testing.T) {
	s := newTestScheduler(t, &batchLLM{script: []func() (*services.LLMResponse, error){nil}})

	_, err := s.Status("no-such-task")

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "no-such-task", notFound.TaskID)
}

func TestJanitorEvictsExpiredTasks(t *testing.T) {
	llm := &batchLLM{script: []func() (*services.LLMResponse, error){
		func() (*services.LLMResponse, error) {
			return &services.LLMResponse{Response: outfitJSON(1)}, nil
		},
	}}
	s := newTestScheduler(t, llm)

	taskID, err := s.Submit(testJob(false))
	require.NoError(t, err)
	drainEvents(t, s, taskID)

	_, err = s.Status(taskID)
	require.NoError(t, err)

	s.evictExpired(time.Now().Add(2 * time.Minute))

	_, err = s.Status(taskID)
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	// no workers started, so the queue never drains
	s := New(Config{Workers: 1, QueueSize: 1}, &batchLLM{}, stubCatalog{items: testItems()}, stubProfile{})

	_, err := s.Submit(testJob(false))
	require.NoError(t, err)

	rejectedID, err := s.Submit(testJob(false))
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Empty(t, rejectedID)
}

func TestLateSubscriberGetsFullReplay(t *testing.T) {
	llm := &batchLLM{script: []func() (*services.LLMResponse, error){
		func() (*services.LLMResponse, error) {
			return &services.LLMResponse{Response: outfitJSON(2)}, nil
		},
	}}
	s := newTestScheduler(t, llm)

	taskID, err := s.Submit(testJob(false))
	require.NoError(t, err)
	first := drainEvents(t, s, taskID)

	// the task is long finished; a new subscriber still sees everything
	second := drainEvents(t, s, taskID)
	assert.Equal(t, first, second)
}
