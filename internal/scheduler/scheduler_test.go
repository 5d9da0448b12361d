package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_RunsOnInterval(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var runs atomic.Int32
	m := NewManager(Config{
		Logger: logger,
		Jobs: []Job{{
			Name:     "sweep",
			Interval: 5 * time.Millisecond,
			Run: func(context.Context) error {
				runs.Add(1)
				return nil
			},
		}},
	})

	require.NoError(t, m.Start(context.Background()))
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	m.Shutdown()

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after shutdown")
}

func TestManager_JobsDoNotOverlap(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var (
		mu      sync.Mutex
		running int
		maxSeen int
	)
	job := func(context.Context) error {
		mu.Lock()
		running++
		if running > maxSeen {
			maxSeen = running
		}
		mu.Unlock()
		time.Sleep(3 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}
	m := NewManager(Config{
		Logger: logger,
		Jobs: []Job{
			{Name: "import", Interval: time.Millisecond, Run: job},
			{Name: "sweep", Interval: time.Millisecond, Run: job},
		},
	})

	require.NoError(t, m.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	m.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxSeen)
}

func TestManager_RunNow(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var order []string
	m := NewManager(Config{
		Logger: logger,
		Jobs: []Job{
			{Name: "import", Run: func(context.Context) error {
				order = append(order, "import")
				return errors.New("command missing")
			}},
			{Name: "sweep", Run: func(context.Context) error {
				order = append(order, "sweep")
				return nil
			}},
		},
	})

	err := m.RunNow(context.Background())
	assert.EqualError(t, err, "import: command missing")
	assert.Equal(t, []string{"import", "sweep"}, order, "a failing job does not stop the others")
}

func TestManager_StartRejectsEmptyJob(t *testing.T) {
	m := NewManager(Config{Jobs: []Job{{Name: "broken"}}})
	assert.Error(t, m.Start(context.Background()))
}
