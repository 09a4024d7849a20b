package balancer

import "errors"

// ErrInvalidTopology indicates the input snapshot violates a structural
// invariant (a node with zero shards, or a replica referencing a shard
// beyond the node's shard count). The planning round is aborted; the
// process keeps running and may retry with a fresh snapshot.
var ErrInvalidTopology = errors.New("invalid topology")
