package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tutu-network/corerun/internal/domain"
	"github.com/tutu-network/corerun/internal/model"
	"github.com/tutu-network/corerun/internal/queue"
	"github.com/tutu-network/corerun/internal/registry"
	"github.com/tutu-network/corerun/internal/resources"
	"github.com/tutu-network/corerun/internal/swap"
	"github.com/tutu-network/corerun/internal/worker"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run a self-test against an in-process runtime with a mock model",
	RunE:  runVerify,
}

// runVerify spins up every core component in-process against
// model.Mock and drives one unary request, one streaming request, one
// cancellation, and one hot-swap through it. It never touches the
// network or disk and is meant as a release smoke test distinct from
// the package test suites, mirroring spec §6's "dedicated validate
// mode".
func runVerify(cmd *cobra.Command, args []string) error {
	reg := registry.New()
	router := registry.NewRouter()
	flight := registry.NewFlightTracker()
	gov := resources.NewGovernor(resources.Limits{MaxMemoryPerCall: 1 << 30, MaxTotalMemory: 1 << 30, MaxConcurrent: 4})
	q := queue.New(queue.Config{MaxPending: 64, MaxContextTokens: 4096}, nil)

	h := reg.Register("verify-model", nil, model.NewMock(1<<20))
	router.Set("verify-model", h)

	w := worker.New("verify-worker", q, gov, reg, router, flight, nil)
	stop := make(chan struct{})
	go w.Run(stop)
	defer close(stop)

	if err := verifyUnary(q); err != nil {
		return withExitCode(ExitUnhealthy, fmt.Errorf("unary check: %w", err))
	}
	fmt.Println("unary inference: ok")

	if err := verifyStreaming(q); err != nil {
		return withExitCode(ExitUnhealthy, fmt.Errorf("streaming check: %w", err))
	}
	fmt.Println("streaming inference: ok")

	if err := verifyCancel(q); err != nil {
		return withExitCode(ExitUnhealthy, fmt.Errorf("cancel check: %w", err))
	}
	fmt.Println("cancellation: ok")

	if err := verifySwap(router, reg, flight); err != nil {
		return withExitCode(ExitUnhealthy, fmt.Errorf("swap check: %w", err))
	}
	fmt.Println("hot-swap: ok")

	return nil
}

func verifyUnary(q *queue.Queue) error {
	params := domain.DefaultInferenceParams()
	params.MaxTokens = 8
	reply := make(chan *domain.InferenceResponse, 1)
	payload := &worker.Request{ModelName: "verify-model", Prompt: []uint32{1, 2, 3}, Params: params}
	if _, err := q.Enqueue(domain.PriorityNormal, 12, nil, reply, payload); err != nil {
		return err
	}
	select {
	case resp := <-reply:
		if resp.Error != nil {
			return fmt.Errorf("inference error: %s", *resp.Error)
		}
		if !resp.Finished || len(resp.OutputTokens) == 0 {
			return fmt.Errorf("expected a non-empty finished response")
		}
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timed out waiting for response")
	}
}

func verifyStreaming(q *queue.Queue) error {
	params := domain.DefaultInferenceParams()
	params.Stream = true
	params.MaxTokens = 4
	sender := make(chan *domain.StreamChunk, 16)
	payload := &worker.Request{ModelName: "verify-model", Prompt: []uint32{1, 2}, Params: params}
	if _, err := q.EnqueueStreaming(domain.PriorityNormal, 8, nil, sender, payload); err != nil {
		return err
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk := <-sender:
			if chunk.IsFinal {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("timed out waiting for final chunk")
		}
	}
}

func verifyCancel(q *queue.Queue) error {
	params := domain.DefaultInferenceParams()
	reply := make(chan *domain.InferenceResponse, 1)
	payload := &worker.Request{ModelName: "verify-model", Prompt: []uint32{1}, Params: params}
	res, err := q.Enqueue(domain.PriorityNormal, 4, nil, reply, payload)
	if err != nil {
		return err
	}
	q.Cancel(res.RequestId)
	select {
	case <-reply:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timed out waiting for cancelled request to finish")
	}
}

func verifySwap(router *registry.Router, reg *registry.Registry, flight *registry.FlightTracker) error {
	loader := func(m swap.Manifest) (registry.Model, error) {
		return model.NewMock(1 << 20), nil
	}
	coord := swap.New(router, reg, flight, loader, nil)
	return coord.ExecuteSwap("verify-model", swap.Manifest{Name: "verify-model", Path: "(mock)"}, 2*time.Second)
}
