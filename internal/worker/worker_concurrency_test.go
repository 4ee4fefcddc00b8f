package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskhub/internal/model"
	"taskhub/internal/store"
	"taskhub/internal/taskregistry"
)

// E6 concurrency cap: with concurrency_limit=2, five queued runs and four
// Workers, the number of simultaneously RUNNING rows never exceeds 2.
func TestWorkerPool_HonorsConcurrencyLimit(t *testing.T) {
	st, err := store.Open(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := taskregistry.New()
	reg.Register(&model.Task{
		TaskID:           "capped",
		Name:             "capped",
		IsEnabled:        true,
		ConcurrencyLimit: 2,
		BuildCommand: func(_ json.RawMessage) ([]string, error) {
			return []string{"sh", "-c", "sleep 0.3"}, nil
		},
	})

	ctx := context.Background()
	tasks := reg.Snapshot()
	for i := 0; i < 5; i++ {
		_, err := st.EnqueueRun(ctx, tasks, "capped", nil, nil)
		require.NoError(t, err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var maxObserved int64
	stopSampling := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopSampling:
				return
			case <-ticker.C:
				runs, err := st.ListRuns(context.Background(), "capped", model.RunStatusRunning, 100)
				if err == nil {
					for {
						cur := atomic.LoadInt64(&maxObserved)
						if int64(len(runs)) <= cur || atomic.CompareAndSwapInt64(&maxObserved, cur, int64(len(runs))) {
							break
						}
					}
				}
			}
		}
	}()

	var wg sync.WaitGroup
	dataDir := t.TempDir()
	for i := 0; i < 4; i++ {
		sup := NewSupervisor(st, dataDir, 2*time.Second, testLogger())
		w := New(idWithSuffix(i), st, reg, sup, 30*time.Second, 20*time.Millisecond, testLogger())
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(runCtx)
		}()
	}
	wg.Wait()
	close(stopSampling)

	require.LessOrEqual(t, atomic.LoadInt64(&maxObserved), int64(2))

	runs, err := st.ListRuns(context.Background(), "capped", "", 100)
	require.NoError(t, err)
	succeeded := 0
	for _, r := range runs {
		if r.Status == model.RunStatusSucceeded {
			succeeded++
		}
	}
	require.Equal(t, 5, succeeded)
}

func idWithSuffix(i int) string {
	return "w-pool-" + string(rune('a'+i))
}
