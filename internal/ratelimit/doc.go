/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit implements keyed request limiters: a leaky bucket (GCRA) limiter
// and a sliding window limiter. Per-key state is bounded in size.
package ratelimit
