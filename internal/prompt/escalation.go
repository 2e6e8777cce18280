package prompt

import (
	"sync"
	"time"

	"conduit/pkg/logger"
)

// PromptLifecycle is what the scheduler needs from the delivery
// service. The scheduler never touches prompt state itself; it only
// fires the service's stage transitions on schedule, and the service
// refuses them once the prompt leaves pending.
type PromptLifecycle interface {
	Escalate(promptID string, stage int) bool
	Timeout(promptID string) bool
}

// SchedulerConfig configures the escalation timer chain.
type SchedulerConfig struct {
	// StageInterval is the wait between consecutive stages.
	StageInterval time.Duration
	// MaxStages is how many escalation stages run before the prompt
	// times out. The timeout fires one interval after the last stage.
	MaxStages int
}

// Scheduler drives escalation for unanswered prompts. Each tracked
// prompt gets a chain of single-shot timers: one per escalation stage
// and a final one for the timeout. Every stage transition is guarded by
// the service's own lock, so an answer arriving between ticks simply
// makes the next firing refuse and the chain ends there with no
// coordination needed.
type Scheduler struct {
	mu      sync.Mutex
	service PromptLifecycle
	config  SchedulerConfig
	timers  map[string]*time.Timer
	closed  bool
}

// NewScheduler creates a scheduler with sane fallbacks for zero config.
func NewScheduler(service PromptLifecycle, config SchedulerConfig) *Scheduler {
	if config.StageInterval <= 0 {
		config.StageInterval = time.Minute
	}
	if config.MaxStages <= 0 {
		config.MaxStages = 2
	}
	return &Scheduler{
		service: service,
		config:  config,
		timers:  make(map[string]*time.Timer),
	}
}

// Track starts the escalation chain for a freshly delivered prompt.
func (s *Scheduler) Track(promptID string) {
	s.schedule(promptID, 1)
}

func (s *Scheduler) schedule(promptID string, stage int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[promptID]; ok {
		t.Stop()
	}
	s.timers[promptID] = time.AfterFunc(s.config.StageInterval, func() {
		s.fire(promptID, stage)
	})
}

func (s *Scheduler) fire(promptID string, stage int) {
	s.mu.Lock()
	delete(s.timers, promptID)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	if stage <= s.config.MaxStages {
		// A refused escalation means the prompt was answered or is
		// unknown; either way the chain ends here.
		if s.service.Escalate(promptID, stage) {
			s.schedule(promptID, stage+1)
		}
		return
	}

	if s.service.Timeout(promptID) {
		logger.Debug().Str("prompt_id", promptID).Int("stages", s.config.MaxStages).
			Msg("Escalation exhausted, prompt timed out")
	}
}

// Stop cancels the chain for one prompt. Safe to call for prompts that
// were never tracked or already finished.
func (s *Scheduler) Stop(promptID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[promptID]; ok {
		t.Stop()
		delete(s.timers, promptID)
	}
}

// Close stops every pending timer. Used on shutdown.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Tracked reports how many prompts currently have a live timer.
func (s *Scheduler) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
