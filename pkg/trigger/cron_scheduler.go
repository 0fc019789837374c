// Package trigger starts workflow instances on a schedule, independent of
// the client-poll start path: a thin cron layer over the engine's Start.
package trigger

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/Aroton/AroMCP-sub001/internal/infrastructure/logger"
)

// WorkflowStarter is the one engine capability the scheduler needs.
type WorkflowStarter interface {
	Start(workflowName string, inputs map[string]interface{}) (string, error)
}

// Trigger binds a cron schedule to a workflow start.
type Trigger struct {
	ID           string
	WorkflowName string
	Schedule     string // standard 5-field cron expression
	Inputs       map[string]interface{}
	Enabled      bool
}

// CronScheduler manages cron-based workflow triggers.
type CronScheduler struct {
	starter WorkflowStarter
	logger  *logger.Logger

	cron    *cron.Cron
	entries map[string]cron.EntryID // trigger id -> cron entry
	mu      sync.Mutex
}

// NewCronScheduler creates a scheduler over the given starter.
func NewCronScheduler(starter WorkflowStarter, log *logger.Logger) *CronScheduler {
	if log == nil {
		log = logger.Default()
	}
	return &CronScheduler{
		starter: starter,
		logger:  log,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins firing registered triggers.
func (cs *CronScheduler) Start() {
	cs.cron.Start()
}

// Stop halts the scheduler, waiting for in-flight jobs to finish.
func (cs *CronScheduler) Stop() {
	ctx := cs.cron.Stop()
	<-ctx.Done()
}

// AddTrigger registers (or replaces) a trigger. Disabled triggers are
// removed if present and otherwise ignored.
func (cs *CronScheduler) AddTrigger(t *Trigger) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if entryID, exists := cs.entries[t.ID]; exists {
		cs.cron.Remove(entryID)
		delete(cs.entries, t.ID)
	}
	if !t.Enabled {
		return nil
	}

	workflowName := t.WorkflowName
	inputs := t.Inputs
	triggerID := t.ID
	entryID, err := cs.cron.AddFunc(t.Schedule, func() {
		id, err := cs.starter.Start(workflowName, inputs)
		if err != nil {
			cs.logger.Error("scheduled workflow start failed", "trigger_id", triggerID, "workflow", workflowName, "error", err)
			return
		}
		cs.logger.Info("scheduled workflow started", "trigger_id", triggerID, "workflow", workflowName, "instance_id", id)
	})
	if err != nil {
		return fmt.Errorf("trigger: invalid schedule %q: %w", t.Schedule, err)
	}
	cs.entries[t.ID] = entryID
	return nil
}

// RemoveTrigger unregisters a trigger by id.
func (cs *CronScheduler) RemoveTrigger(id string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if entryID, exists := cs.entries[id]; exists {
		cs.cron.Remove(entryID)
		delete(cs.entries, id)
	}
}

// TriggerCount reports how many triggers are currently scheduled.
func (cs *CronScheduler) TriggerCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.entries)
}
