package governance

import "sync/atomic"

// stateSnapshot is the immutable triple (policy, killSwitch, override) a
// single Authorize call sees. It is never mutated after construction;
// updates replace the pointer behind state.snapshot.
type stateSnapshot struct {
	policy     *OrgPolicy
	killSwitch KillSwitchState
	override   OfflineOverride
}

// EnforcerState holds the shared mutable governance state: the current
// policy, kill-switch flags, and offline override. It is read by the
// Enforcer on the hot path and written by the Heartbeat and the
// policy-refresh callback. A single Authorize call sees one consistent
// snapshot via an atomic pointer swap — no lock is held across I/O, and
// no lock is needed on the read side at all.
type EnforcerState struct {
	snap atomic.Pointer[stateSnapshot]
}

// NewEnforcerState returns state with no policy loaded, kill switch
// inactive, and no offline override.
func NewEnforcerState() *EnforcerState {
	s := &EnforcerState{}
	s.snap.Store(&stateSnapshot{override: OfflineOverrideNone})
	return s
}

// Snapshot returns the current consistent (policy, killSwitch, override) triple.
func (s *EnforcerState) Snapshot() (*OrgPolicy, KillSwitchState, OfflineOverride) {
	cur := s.snap.Load()
	return cur.policy, cur.killSwitch, cur.override
}

// SetPolicy installs a new policy, provided its version is not lower than
// the currently installed one (monotone version invariant, spec §3). It
// returns false if the incoming version is stale and was discarded.
func (s *EnforcerState) SetPolicy(p *OrgPolicy) bool {
	for {
		cur := s.snap.Load()
		if cur.policy != nil && p.Version < cur.policy.Version {
			return false
		}
		next := &stateSnapshot{policy: p, killSwitch: cur.killSwitch, override: cur.override}
		if s.snap.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// SetKillSwitch mutates only the kill-switch portion of the snapshot.
func (s *EnforcerState) SetKillSwitch(k KillSwitchState) {
	for {
		cur := s.snap.Load()
		next := &stateSnapshot{policy: cur.policy, killSwitch: k, override: cur.override}
		if s.snap.CompareAndSwap(cur, next) {
			return
		}
	}
}

// SetOverride mutates only the offline-override portion of the snapshot.
func (s *EnforcerState) SetOverride(o OfflineOverride) {
	for {
		cur := s.snap.Load()
		next := &stateSnapshot{policy: cur.policy, killSwitch: cur.killSwitch, override: o}
		if s.snap.CompareAndSwap(cur, next) {
			return
		}
	}
}
