package capture

import "time"

// TriggerConfig sets auto-capture timing.
type TriggerConfig struct {
	Delay         time.Duration `json:"delay"`
	CooldownSteps int           `json:"cooldown_steps"`
	CooldownStep  time.Duration `json:"cooldown_step"`
}

// DefaultTriggerConfig arms for one second and cools down for three.
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{Delay: time.Second, CooldownSteps: 3, CooldownStep: time.Second}
}

type triggerState int

const (
	triggerIdle triggerState = iota
	triggerArmed
	triggerCooling
)

// Trigger is the debounce and cooldown state machine: idle -> armed ->
// (fire) -> cooling -> idle. It holds deadlines only; the session loop
// decides when to look at them.
type Trigger struct {
	cfg       TriggerConfig
	state     triggerState
	pose      string
	fireAt    time.Time
	remaining int
	nextStep  time.Time
}

func NewTrigger(cfg TriggerConfig) *Trigger {
	return &Trigger{cfg: cfg}
}

func (t *Trigger) Idle() bool        { return t.state == triggerIdle }
func (t *Trigger) Armed() bool       { return t.state == triggerArmed }
func (t *Trigger) CoolingDown() bool { return t.state == triggerCooling }

// Remaining returns the cooldown steps left.
func (t *Trigger) Remaining() int {
	if t.state != triggerCooling {
		return 0
	}
	return t.remaining
}

// Arm schedules a capture of pose after the configured delay. It only
// succeeds from idle.
func (t *Trigger) Arm(now time.Time, pose string) bool {
	if t.state != triggerIdle {
		return false
	}
	t.state = triggerArmed
	t.pose = pose
	t.fireAt = now.Add(t.cfg.Delay)
	return true
}

// Due reports the armed pose once its fire time has been reached.
func (t *Trigger) Due(now time.Time) (string, bool) {
	if t.state != triggerArmed || now.Before(t.fireAt) {
		return "", false
	}
	return t.pose, true
}

// Disarm cancels an armed capture. Cooldowns are left running.
func (t *Trigger) Disarm() {
	if t.state == triggerArmed {
		t.state = triggerIdle
		t.pose = ""
	}
}

// StartCooldown begins (or restarts) the cooldown window.
func (t *Trigger) StartCooldown(now time.Time) {
	t.pose = ""
	if t.cfg.CooldownSteps <= 0 {
		t.state = triggerIdle
		return
	}
	t.state = triggerCooling
	t.remaining = t.cfg.CooldownSteps
	t.nextStep = now.Add(t.cfg.CooldownStep)
}

// Step counts down elapsed cooldown steps. changed is true when at least one
// step elapsed; reaching zero returns the trigger to idle.
func (t *Trigger) Step(now time.Time) (remaining int, changed bool) {
	for t.state == triggerCooling && !now.Before(t.nextStep) {
		t.remaining--
		t.nextStep = t.nextStep.Add(t.cfg.CooldownStep)
		changed = true
		if t.remaining <= 0 {
			t.state = triggerIdle
			t.remaining = 0
		}
	}
	return t.remaining, changed
}

// Reset cancels both the armed capture and any cooldown.
func (t *Trigger) Reset() {
	t.state = triggerIdle
	t.pose = ""
	t.remaining = 0
}

// Deadline returns the next instant the trigger needs attention, or the
// zero time when idle.
func (t *Trigger) Deadline() time.Time {
	switch t.state {
	case triggerArmed:
		return t.fireAt
	case triggerCooling:
		return t.nextStep
	default:
		return time.Time{}
	}
}
