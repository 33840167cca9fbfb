package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultDeadline      = 20 * time.Second
	defaultRetryInterval = 500 * time.Millisecond
	defaultHoverSettle   = 350 * time.Millisecond
	defaultHoverSteps    = 6
	hoverJitterPx        = 8.0
)

// ErrTimeout means an index never produced a usable payload before its
// deadline. Fatal to the run; records appended earlier are still returned.
var ErrTimeout = errors.New("extract: timed out waiting for result payload")

// errOutOfRange ends the run early without failing it. Internal: Run
// translates it into a clean stop, never surfacing it to the caller.
var errOutOfRange = errors.New("extract: index out of range")

// Status classifies one evaluation payload.
type Status string

const (
	StatusOK               Status = "ok"
	StatusWaitingContainer Status = "waiting_for_container"
	StatusWaitingItem      Status = "waiting_for_item"
	StatusOutOfRange       Status = "out_of_range"
)

// Bounds is the located item's client rect, used to aim the hover path.
type Bounds struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (b Bounds) Degenerate() bool {
	return b.Width <= 0 || b.Height <= 0
}

func (b Bounds) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Payload is the structured value the evaluation script returns.
type Payload struct {
	Status    Status `json:"status"`
	PageURL   string `json:"pageUrl"`
	ImageURL  string `json:"imageUrl"`
	Title     string `json:"title"`
	Alt       string `json:"alt"`
	Available int    `json:"available"`
	Bounds    Bounds `json:"bounds"`
}

// Record is one unit of output, immutable once appended. Success is derived
// from the presence of the link-like pageUrl field; an item can be present
// (status ok) yet empty (success false).
type Record struct {
	Index   int
	Status  Status
	Success bool
	Payload Payload
	Raw     json.RawMessage
}

// Caller is the slice of the channel client the extractor needs.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Config tunes the polling loop and the hover refinement.
type Config struct {
	Deadline      time.Duration
	RetryInterval time.Duration
	Hover         bool
	HoverSettle   time.Duration
	HoverSteps    int
}

func (c Config) withDefaults() Config {
	if c.Deadline <= 0 {
		c.Deadline = defaultDeadline
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.HoverSettle <= 0 {
		c.HoverSettle = defaultHoverSettle
	}
	if c.HoverSteps <= 0 {
		c.HoverSteps = defaultHoverSteps
	}
	return c
}

// Extractor polls the page through the channel until each requested index
// yields a terminal status or its deadline passes.
type Extractor struct {
	caller Caller
	cfg    Config
	logger zerolog.Logger
}

func New(caller Caller, cfg Config, logger zerolog.Logger) *Extractor {
	return &Extractor{caller: caller, cfg: cfg.withDefaults(), logger: logger}
}

// Run extracts indices 0..count-1 in order. An out_of_range status ends the
// run early without an error and without a record for that index or later
// ones. Any other failure is fatal, but records appended before it are still
// returned so the caller can flush them.
func (e *Extractor) Run(ctx context.Context, count int) ([]Record, error) {
	records := make([]Record, 0, count)
	for index := 0; index < count; index++ {
		rec, err := e.extractIndex(ctx, index)
		if errors.Is(err, errOutOfRange) {
			break
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Succeeded reports the run's overall outcome: the AND of every appended
// record's Success flag.
func Succeeded(records []Record) bool {
	for _, r := range records {
		if !r.Success {
			return false
		}
	}
	return true
}

func (e *Extractor) extractIndex(ctx context.Context, index int) (Record, error) {
	deadline := time.Now().Add(e.cfg.Deadline)
	var seen Status
	for {
		if time.Now().After(deadline) {
			return Record{}, fmt.Errorf("index %d: %w", index, ErrTimeout)
		}
		payload, raw, err := e.evaluate(ctx, index)
		if err != nil {
			return Record{}, err
		}
		switch payload.Status {
		case StatusOK:
			return e.finish(ctx, index, payload, raw), nil
		case StatusOutOfRange:
			e.logger.Info().Int("index", index).Int("available", payload.Available).Msg("no more results")
			return Record{}, errOutOfRange
		default:
			// Unknown or missing statuses count as still-waiting. Log only
			// on transition so retries do not spam.
			if payload.Status != "" && payload.Status != seen {
				e.logger.Info().Int("index", index).Str("status", string(payload.Status)).Msg("waiting for result markup")
				seen = payload.Status
			}
		}
		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-time.After(e.cfg.RetryInterval):
		}
	}
}

// evaluate issues the evaluation command once and pulls the structured value
// out of the Runtime.evaluate envelope. A malformed or missing value is not
// an error, it just means the page is not ready.
func (e *Extractor) evaluate(ctx context.Context, index int) (Payload, json.RawMessage, error) {
	res, err := e.caller.Call(ctx, "Runtime.evaluate", evalParams(resultScript(index), true))
	if err != nil {
		return Payload{}, nil, fmt.Errorf("evaluate index %d: %w", index, err)
	}
	var outer struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(res, &outer); err != nil || len(outer.Result.Value) == 0 {
		return Payload{}, nil, nil
	}
	var p Payload
	if err := json.Unmarshal(outer.Result.Value, &p); err != nil {
		return Payload{}, nil, nil
	}
	return p, outer.Result.Value, nil
}

// finish runs the optional hover refinement and derives the record. Hover
// never fails the index and the highlight side effect is best-effort; both
// error channels are deliberately dropped here after logging.
func (e *Extractor) finish(ctx context.Context, index int, payload Payload, raw json.RawMessage) Record {
	if e.cfg.Hover && !payload.Bounds.Degenerate() {
		if refined, refinedRaw, ok := e.hover(ctx, index, payload.Bounds); ok {
			payload, raw = refined, refinedRaw
		}
	}
	success := payload.PageURL != ""
	if !success {
		if _, err := e.caller.Call(ctx, "Runtime.evaluate", evalParams(highlightScript(index), false)); err != nil {
			e.logger.Debug().Err(err).Int("index", index).Msg("highlight failed")
		}
	}
	return Record{Index: index, Status: StatusOK, Success: success, Payload: payload, Raw: raw}
}

// hover walks a short jittered pointer path toward the item, fires direct
// hover events at it, waits for the page to settle and re-reads the payload
// once. Reports ok=false whenever the original payload should be kept.
func (e *Extractor) hover(ctx context.Context, index int, b Bounds) (Payload, json.RawMessage, bool) {
	cx, cy := b.Center()
	for i := 0; i < e.cfg.HoverSteps; i++ {
		x := cx + (rand.Float64()-0.5)*hoverJitterPx
		y := cy + (rand.Float64()-0.5)*hoverJitterPx
		if _, err := e.caller.Call(ctx, "Input.dispatchMouseEvent", mouseMovedParams(x, y)); err != nil {
			e.logger.Warn().Err(err).Int("index", index).Msg("hover dispatch failed, keeping original payload")
			return Payload{}, nil, false
		}
	}
	if _, err := e.caller.Call(ctx, "Runtime.evaluate", evalParams(hoverNotifyScript(index), false)); err != nil {
		e.logger.Warn().Err(err).Int("index", index).Msg("hover notify failed, keeping original payload")
		return Payload{}, nil, false
	}
	select {
	case <-ctx.Done():
		return Payload{}, nil, false
	case <-time.After(e.cfg.HoverSettle):
	}
	refined, raw, err := e.evaluate(ctx, index)
	if err != nil || refined.Status != StatusOK {
		e.logger.Debug().Int("index", index).Msg("re-read after hover did not improve payload")
		return Payload{}, nil, false
	}
	return refined, raw, true
}
