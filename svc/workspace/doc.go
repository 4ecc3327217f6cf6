// Package workspace schedules the time-based work of an organization's
// collaboration features: invitations that expire and task due reminders.
//
// Invites are accepted against a worker seat reserved through billing, so an
// organization never grows past its plan. Every delayed job is linked from
// the row it was scheduled for and the handlers act only while that link
// still holds; an hourly sweep expires invites whose job was lost.
package workspace
