// Package identity resolves user ids to display identities.
//
// The messaging core never owns user records. It asks a Directory whether a
// user exists and how to render them, and treats everything else about users
// as someone else's problem.
package identity
