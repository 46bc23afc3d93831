// Package store provides the two key/value stores backing the validation
// cache and session persistence: an ephemeral in-process store and a
// persistent Redis store. Both implement [KV] and namespace nothing
// themselves; callers own key prefixes.
package store
