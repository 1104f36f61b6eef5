/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package marketo is a client for the part of the Marketo REST API used by the relay:
// client-credentials tokens, file assets and lead updates.
package marketo
