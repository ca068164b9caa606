package pgstore

import (
	"errors"
	"fmt"

	"github.com/galdor/go-raftgroup/pkg/raft"
	"github.com/jackc/pgx/v5"
)

type ElectionStore struct {
	client  *Client
	groupId string
	nodeId  raft.NodeId
}

func (s *ElectionStore) Load() (raft.ElectionState, error) {
	ctx, cancel := s.client.context()
	defer cancel()

	query := `
SELECT current_term, voted_for
  FROM raft_election_states
  WHERE group_id = $1 AND node_id = $2
`
	var term int64
	var votedFor string

	err := s.client.Pool.QueryRow(ctx, query, s.groupId, string(s.nodeId)).
		Scan(&term, &votedFor)
	if errors.Is(err, pgx.ErrNoRows) {
		return raft.ElectionState{}, nil
	} else if err != nil {
		return raft.ElectionState{}, fmt.Errorf("cannot load election "+
			"state: %w", err)
	}

	state := raft.ElectionState{
		CurrentTerm: raft.Term(term),
		VotedFor:    raft.NodeId(votedFor),
	}

	return state, nil
}

func (s *ElectionStore) Store(state raft.ElectionState) error {
	ctx, cancel := s.client.context()
	defer cancel()

	query := `
INSERT INTO raft_election_states
    (group_id, node_id, current_term, voted_for)
  VALUES ($1, $2, $3, $4)
  ON CONFLICT (group_id, node_id) DO UPDATE
    SET current_term = EXCLUDED.current_term,
        voted_for = EXCLUDED.voted_for
`
	_, err := s.client.Pool.Exec(ctx, query, s.groupId, string(s.nodeId),
		int64(state.CurrentTerm), string(state.VotedFor))
	if err != nil {
		return fmt.Errorf("cannot store election state: %w", err)
	}

	return nil
}

type MembersStore struct {
	client         *Client
	groupId        string
	ownerId        raft.NodeId
	initialMembers []raft.Node
}

func (s *MembersStore) Members() ([]raft.Node, error) {
	ctx, cancel := s.client.context()
	defer cancel()

	var members []raft.Node

	err := pgx.BeginFunc(ctx, s.client.Pool, func(tx pgx.Tx) error {
		var found bool

		query := `
SELECT EXISTS
  (SELECT 1 FROM raft_member_sets WHERE owner_id = $1 AND group_id = $2)
`
		err := tx.QueryRow(ctx, query, string(s.ownerId), s.groupId).Scan(&found)
		if err != nil {
			return fmt.Errorf("cannot check member set: %w", err)
		}

		if !found {
			members = append([]raft.Node(nil), s.initialMembers...)
			return nil
		}

		query = `
SELECT node_id, host, port, role
  FROM raft_members
  WHERE owner_id = $1 AND group_id = $2
  ORDER BY position
`
		rows, err := tx.Query(ctx, query, string(s.ownerId), s.groupId)
		if err != nil {
			return fmt.Errorf("cannot load members: %w", err)
		}
		defer rows.Close()

		members = []raft.Node{}

		for rows.Next() {
			var id, host, role string
			var port int32

			if err := rows.Scan(&id, &host, &port, &role); err != nil {
				return fmt.Errorf("cannot read member: %w", err)
			}

			members = append(members, raft.Node{
				Id:   raft.NodeId(id),
				Host: host,
				Port: int(port),
				Role: raft.NodeRole(role),
			})
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return members, nil
}

// SetMembers replaces the member list in a single transaction.
func (s *MembersStore) SetMembers(members []raft.Node) error {
	ctx, cancel := s.client.context()
	defer cancel()

	return pgx.BeginFunc(ctx, s.client.Pool, func(tx pgx.Tx) error {
		query := `
INSERT INTO raft_member_sets (owner_id, group_id, update_time)
  VALUES ($1, $2, CURRENT_TIMESTAMP)
  ON CONFLICT (owner_id, group_id) DO UPDATE
    SET update_time = EXCLUDED.update_time
`
		if _, err := tx.Exec(ctx, query, string(s.ownerId), s.groupId); err != nil {
			return fmt.Errorf("cannot update member set: %w", err)
		}

		query = `
DELETE FROM raft_members WHERE owner_id = $1 AND group_id = $2
`
		if _, err := tx.Exec(ctx, query, string(s.ownerId), s.groupId); err != nil {
			return fmt.Errorf("cannot delete members: %w", err)
		}

		query = `
INSERT INTO raft_members
    (owner_id, group_id, position, node_id, host, port, role)
  VALUES ($1, $2, $3, $4, $5, $6, $7)
`
		for i, member := range members {
			_, err := tx.Exec(ctx, query, string(s.ownerId), s.groupId, int32(i),
				string(member.Id), member.Host, int32(member.Port),
				string(member.Role))
			if err != nil {
				return fmt.Errorf("cannot insert member %q: %w",
					member.Id, err)
			}
		}

		return nil
	})
}
