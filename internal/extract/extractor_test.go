package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedCaller plays the channel: result-script evaluations pop queued
// responses (the last one repeats), hover and highlight commands are counted
// and can be made to fail.
type scriptedCaller struct {
	mu        sync.Mutex
	evals     []json.RawMessage
	evalIdx   int
	mouseErr  error
	notifyErr error

	mouseMoves int
	notifies   int
	highlights int
}

func (s *scriptedCaller) Call(_ context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch method {
	case "Input.dispatchMouseEvent":
		s.mouseMoves++
		if s.mouseErr != nil {
			return nil, s.mouseErr
		}
		return json.RawMessage(`{}`), nil
	case "Runtime.evaluate":
		expr := params.(map[string]any)["expression"].(string)
		switch {
		case strings.Contains(expr, "outline"):
			s.highlights++
			return json.RawMessage(`{}`), nil
		case strings.Contains(expr, "dispatchEvent"):
			s.notifies++
			if s.notifyErr != nil {
				return nil, s.notifyErr
			}
			return json.RawMessage(`{}`), nil
		default:
			resp := s.evals[len(s.evals)-1]
			if s.evalIdx < len(s.evals) {
				resp = s.evals[s.evalIdx]
			}
			s.evalIdx++
			return resp, nil
		}
	}
	return json.RawMessage(`{}`), nil
}

func (s *scriptedCaller) evaluations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evalIdx
}

func evalResponse(t *testing.T, value any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(map[string]any{"result": map[string]any{"value": value}})
	require.NoError(t, err)
	return data
}

func okValue(pageURL string, b Bounds) map[string]any {
	return map[string]any{
		"status":   "ok",
		"pageUrl":  pageURL,
		"imageUrl": "https://img.example/thumb.jpg",
		"title":    "a result",
		"bounds":   map[string]any{"x": b.X, "y": b.Y, "width": b.Width, "height": b.Height},
	}
}

func statusValue(status string) map[string]any {
	return map[string]any{"status": status}
}

func fastConfig() Config {
	return Config{
		Deadline:      time.Second,
		RetryInterval: time.Millisecond,
		HoverSettle:   time.Millisecond,
		HoverSteps:    2,
	}
}

func TestRunAcceptsImmediateOK(t *testing.T) {
	caller := &scriptedCaller{evals: []json.RawMessage{
		evalResponse(t, okValue("https://page.example/a", Bounds{})),
	}}
	e := New(caller, fastConfig(), zerolog.Nop())

	records, err := e.Run(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 0, records[0].Index)
	assert.Equal(t, StatusOK, records[0].Status)
	assert.True(t, records[0].Success)
	assert.Equal(t, "https://page.example/a", records[0].Payload.PageURL)
	assert.True(t, Succeeded(records))
	assert.Equal(t, 0, caller.highlights)
}

func TestWaitingLogsOnceThenAccepts(t *testing.T) {
	caller := &scriptedCaller{evals: []json.RawMessage{
		evalResponse(t, statusValue("waiting_for_item")),
		evalResponse(t, statusValue("waiting_for_item")),
		evalResponse(t, okValue("https://page.example/a", Bounds{})),
	}}
	var buf bytes.Buffer
	e := New(caller, fastConfig(), zerolog.New(&buf))

	records, err := e.Run(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Success)

	// Three polls, but the unchanged waiting status is logged exactly once.
	assert.Equal(t, 3, caller.evaluations())
	assert.Equal(t, 1, strings.Count(buf.String(), "waiting_for_item"))
}

func TestOutOfRangeEndsRunWithoutError(t *testing.T) {
	caller := &scriptedCaller{evals: []json.RawMessage{
		evalResponse(t, okValue("https://page.example/a", Bounds{})),
		evalResponse(t, statusValue("out_of_range")),
	}}
	e := New(caller, fastConfig(), zerolog.Nop())

	records, err := e.Run(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 0, records[0].Index)
	assert.True(t, Succeeded(records))

	// Index 2 was never attempted.
	assert.Equal(t, 2, caller.evaluations())
}

func TestDeadlineExceededIsFatal(t *testing.T) {
	caller := &scriptedCaller{evals: []json.RawMessage{
		evalResponse(t, statusValue("waiting_for_container")),
	}}
	cfg := fastConfig()
	cfg.Deadline = 30 * time.Millisecond
	cfg.RetryInterval = 5 * time.Millisecond
	e := New(caller, cfg, zerolog.Nop())

	records, err := e.Run(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Empty(t, records)
}

func TestEarlierRecordsSurviveLaterTimeout(t *testing.T) {
	caller := &scriptedCaller{evals: []json.RawMessage{
		evalResponse(t, okValue("https://page.example/a", Bounds{})),
		evalResponse(t, statusValue("waiting_for_item")),
	}}
	cfg := fastConfig()
	cfg.Deadline = 30 * time.Millisecond
	cfg.RetryInterval = 5 * time.Millisecond
	e := New(caller, cfg, zerolog.Nop())

	records, err := e.Run(context.Background(), 2)
	assert.ErrorIs(t, err, ErrTimeout)
	require.Len(t, records, 1)
	assert.Equal(t, 0, records[0].Index)
}

func TestUnknownStatusTreatedAsWaiting(t *testing.T) {
	caller := &scriptedCaller{evals: []json.RawMessage{
		evalResponse(t, statusValue("something_new")),
		json.RawMessage(`{"result":{}}`),
		evalResponse(t, okValue("https://page.example/a", Bounds{})),
	}}
	e := New(caller, fastConfig(), zerolog.Nop())

	records, err := e.Run(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 3, caller.evaluations())
}

func TestHoverRereadSupersedesPayload(t *testing.T) {
	caller := &scriptedCaller{evals: []json.RawMessage{
		evalResponse(t, okValue("", Bounds{X: 10, Y: 10, Width: 100, Height: 80})),
		evalResponse(t, okValue("https://page.example/full", Bounds{X: 10, Y: 10, Width: 100, Height: 80})),
	}}
	cfg := fastConfig()
	cfg.Hover = true
	e := New(caller, cfg, zerolog.Nop())

	records, err := e.Run(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "https://page.example/full", records[0].Payload.PageURL)
	assert.True(t, records[0].Success)
	assert.Equal(t, cfg.HoverSteps, caller.mouseMoves)
	assert.Equal(t, 1, caller.notifies)
	assert.Equal(t, 0, caller.highlights)
}

func TestHoverDispatchFailureKeepsOriginalRecord(t *testing.T) {
	caller := &scriptedCaller{
		evals: []json.RawMessage{
			evalResponse(t, okValue("https://page.example/a", Bounds{X: 10, Y: 10, Width: 100, Height: 80})),
		},
		mouseErr: errors.New("input domain unavailable"),
	}
	cfg := fastConfig()
	cfg.Hover = true
	e := New(caller, cfg, zerolog.Nop())

	records, err := e.Run(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Success)
	assert.Equal(t, "https://page.example/a", records[0].Payload.PageURL)
	// Only the initial evaluation happened: no re-read after the failure.
	assert.Equal(t, 1, caller.evaluations())
}

func TestHoverSkippedForDegenerateBounds(t *testing.T) {
	caller := &scriptedCaller{evals: []json.RawMessage{
		evalResponse(t, okValue("https://page.example/a", Bounds{Width: 0, Height: 0})),
	}}
	cfg := fastConfig()
	cfg.Hover = true
	e := New(caller, cfg, zerolog.Nop())

	records, err := e.Run(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 0, caller.mouseMoves)
}

func TestMissingLinkFieldHighlightsAndFailsRecord(t *testing.T) {
	caller := &scriptedCaller{evals: []json.RawMessage{
		evalResponse(t, okValue("", Bounds{})),
	}}
	e := New(caller, fastConfig(), zerolog.Nop())

	records, err := e.Run(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	// Item present but empty: still appended, marked unsuccessful.
	assert.Equal(t, StatusOK, records[0].Status)
	assert.False(t, records[0].Success)
	assert.Equal(t, 1, caller.highlights)
	assert.False(t, Succeeded(records))
}
