// Package schedule exposes the periodic jobs as named tasks. The same task
// runs from the HTTP trigger, the CLI or the embedded Runner.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/Martian-dev/inbox-sync/internal/store"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

const (
	TaskSync         = "sync"
	TaskRenewGmail   = "renew-gmail"
	TaskRenewOutlook = "renew-outlook"
)

var ErrUnknownTask = errors.New("unknown task")

// Task is one schedulable job. Result is JSON-encodable.
type Task interface {
	Name() string
	Run(ctx context.Context) (any, error)
}

type sweeper interface {
	SyncAll(ctx context.Context, opts sync.SyncOptions) (sync.Summary, error)
}

// SyncTask sweeps every syncable connection
type SyncTask struct {
	Orchestrator sweeper
	Options      sync.SyncOptions
}

func (t SyncTask) Name() string { return TaskSync }

func (t SyncTask) Run(ctx context.Context) (any, error) {
	return t.Orchestrator.SyncAll(ctx, t.Options)
}

type renewer interface {
	RenewExpiring(ctx context.Context, provider store.Provider, threshold time.Duration) (sync.RenewalSummary, error)
}

// RenewTask renews push subscriptions of one provider family
type RenewTask struct {
	Scheduler renewer
	Provider  store.Provider
	Threshold time.Duration
}

// NewRenewTask uses the provider's reference threshold when threshold is zero
func NewRenewTask(s renewer, p store.Provider, threshold time.Duration) RenewTask {
	if threshold <= 0 {
		switch p {
		case store.ProviderOutlook:
			threshold = sync.OutlookRenewThreshold
		default:
			threshold = sync.GmailRenewThreshold
		}
	}
	return RenewTask{Scheduler: s, Provider: p, Threshold: threshold}
}

func (t RenewTask) Name() string { return "renew-" + string(t.Provider) }

func (t RenewTask) Run(ctx context.Context) (any, error) {
	return t.Scheduler.RenewExpiring(ctx, t.Provider, t.Threshold)
}

// Registry holds the tasks by name. A task never runs twice concurrently in one process.
type Registry struct {
	mu      gosync.Mutex
	tasks   map[string]Task
	running map[string]*gosync.Mutex
}

func NewRegistry(tasks ...Task) *Registry {
	r := &Registry{tasks: make(map[string]Task), running: make(map[string]*gosync.Mutex)}
	for _, t := range tasks {
		r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.Name()] = t
	r.running[t.Name()] = &gosync.Mutex{}
}

// Names lists registered tasks in order
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ErrTaskRunning is returned when the same task is already running in this process
var ErrTaskRunning = errors.New("task already running")

// Run executes the named task
func (r *Registry) Run(ctx context.Context, name string) (any, error) {
	r.mu.Lock()
	t, ok := r.tasks[name]
	lock := r.running[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if !lock.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrTaskRunning, name)
	}
	defer lock.Unlock()
	return t.Run(ctx)
}
