package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist for the tenant.
var ErrNotFound = errors.New("storage: not found")

// ErrClusterConflict is returned by CreateCluster when a candidate member
// was assigned to a cluster after the candidate group was assembled.
var ErrClusterConflict = errors.New("storage: complaint already clustered")

// ErrInvalidTransition is returned when a status change is not allowed from
// the complaint's current status.
var ErrInvalidTransition = errors.New("storage: invalid status transition")
