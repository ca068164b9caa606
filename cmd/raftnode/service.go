package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path"
	"sort"

	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-raftgroup/pkg/pgstore"
	"github.com/galdor/go-raftgroup/pkg/placement"
	"github.com/galdor/go-raftgroup/pkg/raft"
	"github.com/galdor/go-raftgroup/pkg/tasks"
	"github.com/galdor/go-raftgroup/pkg/zkstore"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"
	"golang.org/x/sync/errgroup"
)

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	nodeId raft.NodeId

	transport *raft.HTTPTransport
	pgClient  *pgstore.Client
	zkClient  *zkstore.Client
	ring      *placement.Ring

	groups map[string]*Group

	taskRegistry *tasks.Registry
	taskExecutor *tasks.Executor

	apiServer *APIServer
}

// Group is a replication group the local node is a member of.
type Group struct {
	Id string

	Node   *raft.RaftNode
	Events *EventLog

	logStore      *raft.SegmentLogStore
	electionStore *raft.FileElectionStore

	unregisterConsumers []func()
}

func NewService() *Service {
	return &Service{
		groups: make(map[string]*Group),
	}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the node identifier")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	address := s.Cfg.API.Address
	if address == "" {
		host, _, _ := net.SplitHostPort(s.Cfg.Raft.Address)
		address = net.JoinHostPort(host, "8081")
	}

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               address,
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	s.nodeId = raft.NodeId(s.Program.ArgumentValue("id"))
	if _, found := s.Cfg.Raft.Nodes[s.nodeId]; !found {
		return fmt.Errorf("unknown node id %q", s.nodeId)
	}

	s.ring = placement.NewRing(s.Cfg.Raft.ClusterNodes())

	if err := s.initTasks(); err != nil {
		return err
	}

	if err := s.initStorageClients(); err != nil {
		return err
	}

	s.transport = raft.NewHTTPTransport(raft.HTTPTransportCfg{
		NodeId:  s.nodeId,
		Logger:  s.Log.Child("transport", log.Data{}),
		Address: s.Cfg.Raft.Address,
	})

	for i := range s.Cfg.Raft.Groups {
		if err := s.initGroup(&s.Cfg.Raft.Groups[i]); err != nil {
			return err
		}
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) initTasks() error {
	registry, err := tasks.NewRegistry(map[string]tasks.Handler{
		TaskTypeCompactLog: s.compactLog,
	})
	if err != nil {
		return fmt.Errorf("cannot create task registry: %w", err)
	}

	s.taskRegistry = registry

	executorCfg := tasks.ExecutorCfg{
		Logger:   s.Log.Child("tasks", log.Data{}),
		Registry: registry,
	}

	executor, err := tasks.NewExecutor(executorCfg)
	if err != nil {
		return fmt.Errorf("cannot create task executor: %w", err)
	}

	s.taskExecutor = executor

	return nil
}

func (s *Service) initStorageClients() error {
	if cfg := s.Cfg.Raft.PostgreSQL; cfg != nil {
		client, err := pgstore.NewClient(pgstore.ClientCfg{
			URI:    cfg.URI,
			Logger: s.Log.Child("postgresql", log.Data{}),
		})
		if err != nil {
			return fmt.Errorf("cannot create postgresql client: %w", err)
		}

		s.pgClient = client
	}

	if cfg := s.Cfg.Raft.ZooKeeper; cfg != nil {
		client, err := zkstore.NewClient(zkstore.ClientCfg{
			Servers:  cfg.Servers,
			BasePath: cfg.BasePath,
			Logger:   s.Log.Child("zookeeper", log.Data{}),
		})
		if err != nil {
			return fmt.Errorf("cannot create zookeeper client: %w", err)
		}

		s.zkClient = client
	}

	return nil
}

// groupMembers returns the initial members of a group, or nil if the local
// node is not one of them.
func (s *Service) groupMembers(cfg *GroupCfg) ([]raft.Node, error) {
	var members []raft.Node

	if len(cfg.Members) > 0 {
		for _, id := range cfg.Members {
			node := s.Cfg.Raft.Nodes[id]

			members = append(members, raft.Node{
				Id:   id,
				Host: node.Host,
				Port: node.Port,
				Role: node.Role,
			})
		}

		sort.Slice(members, func(i, j int) bool {
			return members[i].Id < members[j].Id
		})
	} else {
		var err error
		members, err = s.ring.Members(cfg.Id, cfg.ReplicationFactor)
		if err != nil {
			return nil, err
		}
	}

	for _, member := range members {
		if member.Id == s.nodeId {
			return members, nil
		}
	}

	return nil, nil
}

func (s *Service) initGroup(cfg *GroupCfg) error {
	initialMembers, err := s.groupMembers(cfg)
	if err != nil {
		return fmt.Errorf("cannot select members of group %q: %w", cfg.Id, err)
	}

	if initialMembers == nil {
		s.Log.Info("node is not a member of group %q", cfg.Id)
		return nil
	}

	logger := s.Log.Child("raft", log.Data{
		"node":  s.nodeId,
		"group": cfg.Id,
	})

	dataDirectory := path.Join(s.Cfg.Raft.DataDirectory, cfg.Id)

	group := Group{
		Id:     cfg.Id,
		Events: NewEventLog(),
	}

	// Log
	logStore, err := raft.NewSegmentLogStore(raft.SegmentLogStoreCfg{
		Directory:   path.Join(dataDirectory, "log"),
		SegmentSize: s.Cfg.Raft.SegmentSize,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("cannot create log store for group %q: %w",
			cfg.Id, err)
	}

	if err := logStore.Open(); err != nil {
		return fmt.Errorf("cannot open log store for group %q: %w",
			cfg.Id, err)
	}

	group.logStore = logStore

	// Election state and members
	var electionStore raft.ElectionStore
	var membersStore raft.MembersStore

	if s.pgClient != nil {
		electionStore = s.pgClient.ElectionStore(cfg.Id, s.nodeId)
		membersStore = s.pgClient.MembersStore(cfg.Id, s.nodeId,
			initialMembers)
	} else {
		filePath := path.Join(dataDirectory, "election-state.json")
		fileStore := raft.NewFileElectionStore(filePath)

		if err := fileStore.Open(); err != nil {
			return fmt.Errorf("cannot open election store for group %q: %w",
				cfg.Id, err)
		}

		group.electionStore = fileStore
		electionStore = fileStore

		membersStore = raft.NewFileMembersStore(
			path.Join(dataDirectory, "members.yaml"), initialMembers)
	}

	if s.zkClient != nil {
		membersStore = s.zkClient.MembersStore(cfg.Id, s.nodeId,
			initialMembers)
	}

	configuration, err := raft.NewConfiguration(cfg.RaftGroupCfg(),
		membersStore)
	if err != nil {
		return fmt.Errorf("cannot load configuration of group %q: %w",
			cfg.Id, err)
	}

	snapshots, err := raft.NewSnapshotManager(group.Events)
	if err != nil {
		return fmt.Errorf("cannot create snapshot manager: %w", err)
	}

	node, err := raft.NewRaftNode(raft.RaftNodeCfg{
		Id:              s.nodeId,
		Logger:          logger,
		Configuration:   configuration,
		LogStore:        logStore,
		ElectionStore:   electionStore,
		PeerFactory:     s.transport.PeerFactory(),
		SnapshotManager: snapshots,
	})
	if err != nil {
		return fmt.Errorf("cannot create node for group %q: %w", cfg.Id, err)
	}

	group.Node = node

	group.unregisterConsumers = []func(){
		node.RegisterEntryConsumer(group.Events.Apply),
		node.RegisterEntryConsumer(s.applyTaskEntry),
	}

	s.transport.Register(node)
	s.groups[cfg.Id] = &group

	return nil
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.transport.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start raft transport: %w", err)
	}

	s.taskExecutor.Start()

	var eg errgroup.Group

	for _, group := range s.groups {
		group := group

		eg.Go(func() error {
			if err := group.Node.Start(ss.ErrorChan()); err != nil {
				return fmt.Errorf("cannot start node for group %q: %w",
					group.Id, err)
			}

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	var eg errgroup.Group

	for _, group := range s.groups {
		group := group

		eg.Go(func() error {
			group.Node.Stop()
			return nil
		})
	}

	eg.Wait()

	s.transport.Stop()
	s.taskExecutor.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
	for _, group := range s.groups {
		for _, unregister := range group.unregisterConsumers {
			unregister()
		}

		s.transport.Unregister(group.Id)

		if err := group.logStore.Close(); err != nil {
			s.Log.Error("cannot close log store of group %q: %v",
				group.Id, err)
		}

		if group.electionStore != nil {
			group.electionStore.Close()
		}
	}

	if s.pgClient != nil {
		s.pgClient.Close()
	}

	if s.zkClient != nil {
		s.zkClient.Close()
	}
}

func (s *Service) Group(id string) (*Group, bool) {
	group, found := s.groups[id]
	return group, found
}

func (s *Service) SortedGroups() []*Group {
	groups := make([]*Group, 0, len(s.groups))
	for _, group := range s.groups {
		groups = append(groups, group)
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Id < groups[j].Id
	})

	return groups
}

func (s *Service) applyTaskEntry(entry raft.LogEntry) error {
	if entry.Type != EntryTypeTask {
		return nil
	}

	task, err := DecodeTaskEntry(entry.Data)
	if err != nil {
		return err
	}

	// A task type unknown to this node cannot be executed; blocking the apply
	// loop would not change that.
	if err := s.taskExecutor.Schedule(task); err != nil {
		s.Log.Error("cannot schedule task %v: %v", task, err)
	}

	return nil
}

func (s *Service) compactLog(ctx context.Context, data []byte) error {
	var payload CompactLogPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("cannot decode payload: %w", err)
	}

	group, found := s.Group(payload.Group)
	if !found {
		return fmt.Errorf("unknown group %q", payload.Group)
	}

	index := payload.Index
	if index == 0 {
		index = group.Node.LogStore().LastAppliedIndex()
	}

	return group.Node.Compact(index)
}
