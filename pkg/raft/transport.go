package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
)

type HTTPTransportCfg struct {
	// Id of the local node, sent along with every request
	NodeId NodeId

	Logger Logger

	// Address the transport listens on when started. The transport can also
	// be mounted on an existing server with Handler.
	Address string

	Client *http.Client
}

// HTTPTransport carries RPCs between members of replication groups. A single
// transport serves all the groups hosted by a process; requests are routed
// with the group id contained in the path.
type HTTPTransport struct {
	Cfg HTTPTransportCfg
	Log Logger

	client *http.Client
	router *httprouter.Router

	nodesMu sync.RWMutex
	nodes   map[string]*RaftNode

	httpServer *http.Server

	errorChan chan<- error
	wg        sync.WaitGroup
}

func NewHTTPTransport(cfg HTTPTransportCfg) *HTTPTransport {
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}

	if cfg.Client == nil {
		cfg.Client = newHTTPClient()
	}

	t := &HTTPTransport{
		Cfg: cfg,
		Log: cfg.Logger,

		client: cfg.Client,

		nodes: make(map[string]*RaftNode),
	}

	t.router = httprouter.New()
	t.router.Handle("POST", "/raft/:group/:rpc", t.hRPC)

	return t
}

func newHTTPClient() *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns:        30,
		MaxIdleConnsPerHost: 10,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := http.Client{
		Timeout:   10 * time.Second,
		Transport: &transport,
	}

	return &client
}

// Register routes the RPCs of the group of the node to it.
func (t *HTTPTransport) Register(node *RaftNode) {
	t.nodesMu.Lock()
	defer t.nodesMu.Unlock()

	t.nodes[node.GroupId()] = node
}

func (t *HTTPTransport) Unregister(groupId string) {
	t.nodesMu.Lock()
	defer t.nodesMu.Unlock()

	delete(t.nodes, groupId)
}

func (t *HTTPTransport) node(groupId string) *RaftNode {
	t.nodesMu.RLock()
	defer t.nodesMu.RUnlock()

	return t.nodes[groupId]
}

func (t *HTTPTransport) Handler() http.Handler {
	return t.router
}

func (t *HTTPTransport) PeerFactory() PeerFactory {
	return func(groupId string, node Node) Peer {
		return &HTTPPeer{
			GroupId:  groupId,
			Node:     node,
			SourceId: t.Cfg.NodeId,

			client: t.client,
		}
	}
}

func (t *HTTPTransport) Start(errorChan chan<- error) error {
	listener, err := net.Listen("tcp", t.Cfg.Address)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", t.Cfg.Address, err)
	}

	t.Log.Info("listening on %s", listener.Addr())

	t.errorChan = errorChan

	t.httpServer = &http.Server{
		Addr:              t.Cfg.Address,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           t.router,
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		defer func() {
			if value := recover(); value != nil {
				msg := RecoverValueString(value)
				trace := StackTrace(10)
				t.Log.Error("panic: %s\n%s", msg, trace)
			}
		}()

		err := t.httpServer.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			t.errorChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	return nil
}

func (t *HTTPTransport) Stop() {
	if t.httpServer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	t.httpServer.Shutdown(ctx)
	t.wg.Wait()
}

func (t *HTTPTransport) hRPC(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	groupId := params.ByName("group")
	rpc := params.ByName("rpc")

	sourceId := req.Header.Get("X-Raft-Source-Id")
	if sourceId == "" {
		t.replyError(w, 400, "missing or empty X-Raft-Source-Id header field")
		return
	}

	node := t.node(groupId)
	if node == nil {
		t.replyError(w, 404, "unknown group %q", groupId)
		return
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		t.replyError(w, 500, "cannot read request body: %v", err)
		return
	}

	var res interface{}

	switch rpc {
	case RPCTypeRequestVote:
		var msg RPCRequestVoteRequest
		if err = json.Unmarshal(data, &msg); err == nil {
			res, err = node.RequestVote(&msg)
		}

	case RPCTypeAppendEntries:
		var msg RPCAppendEntriesRequest
		if err = json.Unmarshal(data, &msg); err == nil {
			res, err = node.AppendEntries(&msg)
		}

	case RPCTypeInstallSnapshot:
		var msg RPCInstallSnapshotRequest
		if err = json.Unmarshal(data, &msg); err == nil {
			res, err = node.InstallSnapshot(&msg)
		}

	default:
		t.replyError(w, 404, "unknown rpc %q", rpc)
		return
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError

	switch {
	case err == nil:
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		t.replyError(w, 400, "invalid %s message from %s: %v", rpc,
			sourceId, err)
		return
	case errors.Is(err, ErrNotAvailable):
		t.replyError(w, 503, "%v", err)
		return
	default:
		t.replyError(w, 500, "%v", err)
		return
	}

	resData, err := json.Marshal(res)
	if err != nil {
		t.replyError(w, 500, "cannot encode response: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	w.Write(resData)
}

func (t *HTTPTransport) replyText(w http.ResponseWriter, status int, format string, args ...interface{}) {
	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}

func (t *HTTPTransport) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	t.Log.Error(format, args...)
	t.replyText(w, status, format, args...)
}

// HTTPPeer sends RPCs to a member of a group hosted by another process.
type HTTPPeer struct {
	GroupId  string
	Node     Node
	SourceId NodeId

	client *http.Client
}

func (p *HTTPPeer) Id() NodeId {
	return p.Node.Id
}

func (p *HTTPPeer) RequestVote(ctx context.Context, req *RPCRequestVoteRequest) (*RPCRequestVoteResponse, error) {
	var res RPCRequestVoteResponse
	if err := p.call(ctx, RPCTypeRequestVote, req, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

func (p *HTTPPeer) AppendEntries(ctx context.Context, req *RPCAppendEntriesRequest) (*RPCAppendEntriesResponse, error) {
	var res RPCAppendEntriesResponse
	if err := p.call(ctx, RPCTypeAppendEntries, req, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

func (p *HTTPPeer) InstallSnapshot(ctx context.Context, req *RPCInstallSnapshotRequest) (*RPCInstallSnapshotResponse, error) {
	var res RPCInstallSnapshotResponse
	if err := p.call(ctx, RPCTypeInstallSnapshot, req, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

func (p *HTTPPeer) call(ctx context.Context, rpc string, msg RPCMsg, res interface{}) error {
	msgData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("cannot encode message: %w", err)
	}

	uri := url.URL{
		Scheme: "http",
		Host:   p.Node.Address(),
		Path:   "/raft/" + url.PathEscape(p.GroupId) + "/" + rpc,
	}

	req, err := http.NewRequestWithContext(ctx, "POST", uri.String(),
		bytes.NewReader(msgData))
	if err != nil {
		return fmt.Errorf("cannot create http request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Raft-Source-Id", string(p.SourceId))

	hres, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot send %v to %s: %w", msg, p.Node.Address(), err)
	}
	defer hres.Body.Close()

	body, err := io.ReadAll(hres.Body)
	if err != nil {
		return fmt.Errorf("cannot read response from %s: %w",
			p.Node.Address(), err)
	}

	if hres.StatusCode != 200 {
		errMsg := string(body)

		if idx := strings.IndexAny(errMsg, "\r\n"); idx > 0 {
			errMsg = errMsg[:idx]
		}

		if errMsg != "" {
			errMsg = ": " + errMsg
		}

		return fmt.Errorf("http request to %s failed with status %d%s",
			p.Node.Address(), hres.StatusCode, errMsg)
	}

	if err := json.Unmarshal(body, res); err != nil {
		return fmt.Errorf("cannot decode response from %s: %w",
			p.Node.Address(), err)
	}

	return nil
}
