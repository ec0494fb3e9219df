package capture

import "time"

// loudnessRule is one alert condition: an RMS level held for a sustain window, with its
// own re-fire cooldown. A zero sustain fires on a single hot sample.
type loudnessRule struct {
	name     string
	level    float64 // normalized RMS 0..1
	sustain  time.Duration
	cooldown time.Duration
}

// defaultRules covers the three moderation cases: a hard spike, a shout held for a
// moment, and sustained elevated volume.
func defaultRules() []loudnessRule {
	return []loudnessRule{
		{name: "spike", level: 0.90, sustain: 0, cooldown: 10 * time.Second},
		{name: "shout", level: 0.70, sustain: time.Second, cooldown: 30 * time.Second},
		{name: "sustained", level: 0.50, sustain: 5 * time.Second, cooldown: time.Minute},
	}
}

type ruleState struct {
	aboveSince time.Time // zero when the level is currently below the rule
	lastFired  time.Time
}

// loudness watches a pipeline's RMS stream and fires the callback when a rule trips.
// observe is only ever called from the pipeline's run goroutine.
type loudness struct {
	rules  []loudnessRule
	states []ruleState
	fire   func(rule string)
}

func newLoudness(fire func(rule string)) *loudness {
	rules := defaultRules()
	return &loudness{
		rules:  rules,
		states: make([]ruleState, len(rules)),
		fire:   fire,
	}
}

func (l *loudness) observe(now time.Time, rms float64) {
	for i := range l.rules {
		rule := l.rules[i]
		st := &l.states[i]

		if rms < rule.level {
			st.aboveSince = time.Time{}
			continue
		}
		if st.aboveSince.IsZero() {
			st.aboveSince = now
		}
		if now.Sub(st.aboveSince) < rule.sustain {
			continue
		}
		if !st.lastFired.IsZero() && now.Sub(st.lastFired) < rule.cooldown {
			continue
		}
		st.lastFired = now
		l.fire(rule.name)
	}
}
