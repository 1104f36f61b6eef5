/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package lrucache provides an in-memory LRU cache with per-entry expiration,
// loading with duplicate suppression, and Prometheus metrics.
// It keeps per-client rate limiter state and the cached Marketo access token.
package lrucache
