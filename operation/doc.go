// Package operation implements the cancelable, chainable asynchronous handle
// used by every transport and cloud call in the provisioning flow.
//
// An Op[T] represents one in-flight action. It delivers exactly one result
// (a value or an error) unless it is canceled first, in which case no callback
// fires at all. Operations form a tree: a parent holds a reference to its
// current child, and canceling the parent cancels the child before the parent
// itself is marked canceled.
//
// Callbacks run on a Loop, a single goroutine that serializes all result
// delivery for a session. Poll builds repeated, timer-scheduled attempts with
// an overall timeout that always wins over a late attempt result.
package operation
