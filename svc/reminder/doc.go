// Package reminder computes fire instants for subscription, task and invite
// deadlines and schedules them on the delayed job queue.
//
// Subscription reminders fire 72 and 24 hours before the period end, task
// reminders five minutes before the due date and invite expiry jobs at the
// expiry instant. Instants that are not in the future are skipped.
//
// Job handles are returned, never stored. The caller writes them in the
// transaction that changes the owning entity, and only after scheduling
// succeeded, so a persisted handle always refers to a real job. A crash
// between scheduling and committing leaks a job; every fire handler checks
// the persisted handle against the executing task ID and drops the
// delivery when they differ.
package reminder
