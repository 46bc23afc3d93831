// Package directory provides authoritative role sources backed by real
// storage. The Postgres implementation reads the coach roster table and
// satisfies the coordinator's RoleDirectory contract, including its
// sentinel error semantics for missing and deactivated rows.
package directory
