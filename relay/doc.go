/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package relay accepts files submitted through the public form, forwards them to the
// Marketo file library and records their names on the submitting lead.
// Uploads run through an admission queue so that at most a few of them talk to Marketo at once.
package relay
