// Package events implements the bot's delayed one-shot announcements.
//
// A Scheduler keeps named events in insertion order. Scheduling an event
// sends an announcement to its Target right away and arms a timer; when the
// timer expires the event leaves the collection and a second message tells
// the Target that it has been triggered. Removing an event by name stops its
// timer, so a removed event never fires.
//
// All Scheduler methods are safe for concurrent use.
package events
