// Package inference implements the control plane's inference engine: a
// single pre-loaded neural policy served both as an immediate synchronous
// call and as a batched worker that coalesces concurrent requests into one
// evaluation.
package inference

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Policy evaluates a batch of fixed-width observations and returns one
// scalar action per row, in the same order. Implementations own whatever
// model representation backs them; the engine only ever calls Evaluate.
type Policy interface {
	Evaluate(batch [][]float32) ([]float32, error)
}

// HTTPPolicy delegates evaluation to an external process over HTTP — the Go
// analogue of the sender CLI's --pyhelper flag: rather than linking a
// tensor runtime directly, the engine hands batches to a long-lived Python
// helper that owns the actual graph/checkpoint and returns actions. Request
// shape is a plain JSON POST with a JSON reply and a short client-side
// timeout, since this sits on the control tick's critical path.
type HTTPPolicy struct {
	helperURL string
	client    *http.Client
}

// NewHTTPPolicy builds a policy backend that posts batches to helperURL +
// "/infer". timeout should be well under the sender's control interval,
// which defaults to 20ms.
func NewHTTPPolicy(helperURL string, timeout time.Duration) *HTTPPolicy {
	if timeout <= 0 {
		timeout = 15 * time.Millisecond
	}
	return &HTTPPolicy{
		helperURL: helperURL,
		client:    &http.Client{Timeout: timeout},
	}
}

type inferRequest struct {
	Observations [][]float32 `json:"observations"`
}

type inferResponse struct {
	Actions []float32 `json:"actions"`
}

type loadRequest struct {
	ModelPath string `json:"model_path"`
}

// Load asks the pyhelper process to load the graph/checkpoint at
// modelPath, the Go side of the --model sender/receiver flag: checkpoint
// loading itself happens out-of-process, since this policy never links a
// tensor runtime directly. A non-nil error here is a model-load failure and
// fatal at start-up — callers should abort rather than serve with a policy
// that never loaded.
func (p *HTTPPolicy) Load(modelPath string) error {
	body, err := json.Marshal(loadRequest{ModelPath: modelPath})
	if err != nil {
		return fmt.Errorf("inference: marshal load request: %w", err)
	}
	// Loading a checkpoint can take far longer than the control-tick-scaled
	// Evaluate timeout, so this one call uses its own generous client.
	loadClient := &http.Client{Timeout: 60 * time.Second}
	resp, err := loadClient.Post(p.helperURL+"/load", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("inference: pyhelper load request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference: pyhelper load returned status %d", resp.StatusCode)
	}
	return nil
}

// Evaluate posts one batch and returns its decoded actions.
func (p *HTTPPolicy) Evaluate(batch [][]float32) ([]float32, error) {
	body, err := json.Marshal(inferRequest{Observations: batch})
	if err != nil {
		return nil, fmt.Errorf("inference: marshal request: %w", err)
	}

	resp, err := p.client.Post(p.helperURL+"/infer", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("inference: pyhelper request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference: pyhelper returned status %d", resp.StatusCode)
	}

	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("inference: decode pyhelper response: %w", err)
	}
	if len(out.Actions) != len(batch) {
		return nil, fmt.Errorf("inference: pyhelper returned %d actions for %d requests", len(out.Actions), len(batch))
	}
	return out.Actions, nil
}

// LocalPolicy is a dependency-free fallback usable where no pyhelper
// process is configured — chiefly warm-up and unit tests. It implements the
// model I/O contract's shape (an s0-style [N,50] batch in, one float per
// row out) with a fixed linear readout instead of a loaded graph, so the
// engine's batching/dispatch machinery can be exercised without a network
// dependency. It is not a substitute for a trained policy.
type LocalPolicy struct {
	// Weights, one per input column (kStateSize*kRecurrentNum = 50), applied
	// as a dot product then clamped to [-1, 1] to match the documented
	// action range.
	Weights []float32
}

// NewLocalPolicy builds a zero-weighted policy: Evaluate always returns 0,
// the same "no-op action" a freshly loaded but untrained graph would
// produce, matching the engine's warm-up call semantics.
func NewLocalPolicy(width int) *LocalPolicy {
	return &LocalPolicy{Weights: make([]float32, width)}
}

func (p *LocalPolicy) Evaluate(batch [][]float32) ([]float32, error) {
	actions := make([]float32, len(batch))
	for i, row := range batch {
		var sum float32
		for j, v := range row {
			if j < len(p.Weights) {
				sum += v * p.Weights[j]
			}
		}
		switch {
		case sum > 1:
			sum = 1
		case sum < -1:
			sum = -1
		}
		actions[i] = sum
	}
	return actions, nil
}
