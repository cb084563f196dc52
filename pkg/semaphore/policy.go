package semaphore

import "leasegate/pkg/coordination"

// NodePolicy decides who owns a lease node once it is created.
type NodePolicy interface {
	// Name identifies the policy in logs and events.
	Name() string
	// LeaseOptions returns the create options for lease nodes.
	LeaseOptions() coordination.CreateOptions
}

type ephemeralPolicy struct{}

func (ephemeralPolicy) Name() string { return "ephemeral" }

func (ephemeralPolicy) LeaseOptions() coordination.CreateOptions {
	return coordination.CreateOptions{Ephemeral: true, Sequential: true}
}

type persistentPolicy struct{}

func (persistentPolicy) Name() string { return "persistent" }

func (persistentPolicy) LeaseOptions() coordination.CreateOptions {
	return coordination.CreateOptions{Sequential: true}
}

var (
	// Ephemeral leases die with the holder's session, freeing the slot on crash.
	Ephemeral NodePolicy = ephemeralPolicy{}
	// Persistent leases survive the holder's session and must be released
	// explicitly (or reaped).
	Persistent NodePolicy = persistentPolicy{}
)

// PolicyFor maps the ephemeral flag of callers to a policy.
func PolicyFor(ephemeral bool) NodePolicy {
	if ephemeral {
		return Ephemeral
	}
	return Persistent
}
