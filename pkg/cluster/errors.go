package cluster

import "errors"

// Membership errors
var (
	ErrInvalidNodeID  = errors.New("node ID cannot be empty")
	ErrNodeNotFound   = errors.New("node not found in membership")
	ErrGroupNotFound  = errors.New("group not found")
	ErrGroupExists    = errors.New("group already exists")
	ErrGroupNotEmpty  = errors.New("group still has members")
	ErrInvalidGroup   = errors.New("group name cannot be empty")
	ErrNotGroupMember = errors.New("local node is not a member of the group")
)

// Replication errors
var (
	ErrNotLeader     = errors.New("not the current leader")
	ErrNoLeader      = errors.New("no leader elected")
	ErrNoForwarder   = errors.New("no forwarder configured for follower writes")
	ErrUnknownOpType = errors.New("unknown replicated operation")
)
