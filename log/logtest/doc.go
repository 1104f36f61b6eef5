/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package logtest provides a recording log.FieldLogger for tests.
package logtest
