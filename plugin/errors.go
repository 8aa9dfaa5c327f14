package plugin

import "errors"

// ErrCanceled is returned by a pending Context.SendIQ call when the owning
// Manager is disposed before a response arrives (spec §5: "disposing a
// Session... signals cancellation to any in-flight send_iq correlators
// that have not yet received a response").
var ErrCanceled = errors.New("plugin: send_iq canceled")

// ErrNotRegistered is returned by Apply for an unknown plugin name.
var ErrNotRegistered = errors.New("plugin: not registered")

// ErrCyclicDependency is returned by Apply when a plugin's dependency
// graph contains a cycle.
var ErrCyclicDependency = errors.New("plugin: cyclic dependency")

// ErrAlreadyApplied names the "already applied" condition. Apply does not
// return it: a second Apply for an applied plugin returns the existing
// Context and a nil error.
var ErrAlreadyApplied = errors.New("plugin: already applied")
