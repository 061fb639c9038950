// Package tasks manages named background tasks that live as long as their
// owner: retry loops, periodic jobs, delayed calls.
//
// A Manager registers tasks by name so they can be cancelled individually,
// replaced, or all cancelled at shutdown. Finished tasks are swept from the
// table every cleanupFrequency registrations.
package tasks
