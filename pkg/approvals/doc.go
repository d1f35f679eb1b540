// Package approvals drives a request through the levels of its workflow.
//
// Initialize creates one row per level: level 1 is PENDING and every other
// level AWAITING. Only PENDING rows can be decided, and a decided row never
// changes again. Approving a level makes the next one PENDING unless
// auto-advance is off, in which case Activate does it explicitly. Rejecting
// a level leaves the rest AWAITING, which rejects the request.
package approvals
