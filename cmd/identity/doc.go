// Package identity implements chatline's user directory.
//
// It resolves user ids to display names, stamps last-seen times and fronts the
// persistent directory with an in-process name cache so realtime fan-out never
// waits on the database for a username.
package identity
