package trigger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStarter captures Start calls for assertions.
type recordingStarter struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingStarter) Start(workflowName string, inputs map[string]interface{}) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, workflowName)
	return "wf_deadbeef", nil
}

func (r *recordingStarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestAddTrigger_InvalidSchedule(t *testing.T) {
	cs := NewCronScheduler(&recordingStarter{}, nil)
	err := cs.AddTrigger(&Trigger{ID: "t1", WorkflowName: "wf", Schedule: "not a cron", Enabled: true})
	require.Error(t, err)
	assert.Equal(t, 0, cs.TriggerCount())
}

func TestAddTrigger_DisabledIsIgnored(t *testing.T) {
	cs := NewCronScheduler(&recordingStarter{}, nil)
	require.NoError(t, cs.AddTrigger(&Trigger{ID: "t1", WorkflowName: "wf", Schedule: "* * * * *", Enabled: false}))
	assert.Equal(t, 0, cs.TriggerCount())
}

func TestAddTrigger_ReplaceAndRemove(t *testing.T) {
	cs := NewCronScheduler(&recordingStarter{}, nil)
	require.NoError(t, cs.AddTrigger(&Trigger{ID: "t1", WorkflowName: "wf", Schedule: "* * * * *", Enabled: true}))
	require.NoError(t, cs.AddTrigger(&Trigger{ID: "t1", WorkflowName: "wf", Schedule: "*/5 * * * *", Enabled: true}))
	assert.Equal(t, 1, cs.TriggerCount(), "re-adding the same id replaces the entry")

	cs.RemoveTrigger("t1")
	assert.Equal(t, 0, cs.TriggerCount())
	cs.RemoveTrigger("t1") // removing twice is harmless
}

func TestAddTrigger_DisablingRemovesExisting(t *testing.T) {
	cs := NewCronScheduler(&recordingStarter{}, nil)
	require.NoError(t, cs.AddTrigger(&Trigger{ID: "t1", WorkflowName: "wf", Schedule: "* * * * *", Enabled: true}))
	require.NoError(t, cs.AddTrigger(&Trigger{ID: "t1", WorkflowName: "wf", Schedule: "* * * * *", Enabled: false}))
	assert.Equal(t, 0, cs.TriggerCount())
}

func TestScheduler_StartStop(t *testing.T) {
	starter := &recordingStarter{}
	cs := NewCronScheduler(starter, nil)
	require.NoError(t, cs.AddTrigger(&Trigger{ID: "t1", WorkflowName: "wf", Schedule: "* * * * *", Enabled: true}))

	cs.Start()
	done := make(chan struct{})
	go func() {
		cs.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	// A minute-granularity trigger almost certainly never fired, but the
	// scheduler must have registered it either way.
	assert.GreaterOrEqual(t, starter.count(), 0)
}
