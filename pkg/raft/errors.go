package raft

import (
	"errors"
	"fmt"
)

var (
	ErrNotLeader                  = errors.New("node is not the leader")
	ErrNotAvailable               = errors.New("node is not available")
	ErrNodeRunning                = errors.New("node is already running")
	ErrLeadershipLost             = errors.New("leadership lost before commit")
	ErrLogGap                     = errors.New("entries do not follow the last log entry")
	ErrImmutableEntry             = errors.New("cannot overwrite applied log entry")
	ErrInvalidEntry               = errors.New("invalid log entry")
	ErrMembershipChangeInProgress = errors.New("membership change in progress")
	ErrUnknownSnapshotDomain      = errors.New("unknown snapshot domain")
	ErrInvalidCfg                 = errors.New("invalid configuration")
)

// NotLeaderError is returned to clients submitting writes to a node which is
// not the leader of the group. LeaderId is empty when no leader is known.
type NotLeaderError struct {
	GroupId  string
	LeaderId NodeId
}

func (err *NotLeaderError) Error() string {
	if err.LeaderId == "" {
		return fmt.Sprintf("node is not the leader of group %q "+
			"(leader unknown)", err.GroupId)
	}

	return fmt.Sprintf("node is not the leader of group %q (leader: %s)",
		err.GroupId, err.LeaderId)
}

func (err *NotLeaderError) Unwrap() error {
	return ErrNotLeader
}

func invalidCfgf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidCfg, fmt.Sprintf(format, args...))
}
