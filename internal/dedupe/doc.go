// Package dedupe provides a TTL-bounded seen-key cache used to suppress
// session events the gateway re-delivers after a reconnect.
package dedupe
