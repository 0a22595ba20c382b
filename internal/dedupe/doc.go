// Package dedupe provides a TTL-bounded request status cache used to make
// message submission idempotent across retries and reconnects.
package dedupe
