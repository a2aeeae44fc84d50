// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/olivere/jobmgt"
	"github.com/olivere/jobmgt/status"
)

// Server is a simple web server with a WebSocket backend that monitors a
// queue and its status store.
type Server struct {
	q  *jobmgt.Queue
	st status.Store
}

// New initializes a new Server for the given queue. The store must be the
// one the queue reports into.
func New(q *jobmgt.Queue, st status.Store) *Server {
	return &Server{
		q:  q,
		st: st,
	}
}

// Serve initializes the mux and starts the web server at the given address.
func (srv *Server) Serve(addr string) error {
	r := http.DefaultServeMux
	r.Handle("/ws", wsserver{q: srv.q, st: srv.st})
	r.Handle("/", http.FileServer(http.Dir("public")))
	StateUpdates = make(chan *State)
	defer close(StateUpdates)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher(ctx, srv.q, srv.st)
	go h.run(ctx) // run websocket hub
	return http.ListenAndServe(addr, r)
}

// State is the current state of the queue as sent to monitoring clients.
// The counters describe the serving process; the record lists come from the
// status store and cover every process reporting into it.
type State struct {
	Type      string           `json:"type"`
	Queue     string           `json:"queue"`
	Queued    int              `json:"queued"`    // jobs waiting for the next drain
	Processed int64            `json:"processed"` // jobs launched since startup
	Draining  bool             `json:"draining"`  // whether a drain is in progress
	Stats     *status.Stats    `json:"stats,omitempty"`
	Pending   []*status.Record `json:"pending,omitempty"`
	Running   []*status.Record `json:"running,omitempty"`
	Exited    []*status.Record `json:"exited,omitempty"`
	Killed    []*status.Record `json:"killed,omitempty"`
}

var StateUpdates chan *State

func watcher(ctx context.Context, q *jobmgt.Queue, st status.Store) {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			newState, err := currentState(q, st)
			if err != nil {
				log.Printf("%v", err)
				continue
			}
			select {
			case StateUpdates <- newState:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func currentState(q *jobmgt.Queue, st status.Store) (*State, error) {
	newState := &State{
		Type:      "SET_STATE",
		Queue:     q.Name(),
		Queued:    q.Pending(),
		Processed: q.Processed(),
		Draining:  q.Runner().IsRunning(),
	}
	stats, err := st.Stats(&status.StatsRequest{Queue: q.Name()})
	if err != nil {
		return nil, err
	}
	newState.Stats = stats
	rsp, err := st.List(&status.ListRequest{Queue: q.Name(), State: status.Pending})
	if err != nil {
		return nil, err
	}
	newState.Pending = rsp.Records
	rsp, err = st.List(&status.ListRequest{Queue: q.Name(), State: status.Running})
	if err != nil {
		return nil, err
	}
	newState.Running = rsp.Records
	rsp, err = st.List(&status.ListRequest{Queue: q.Name(), State: status.Exited, Limit: 10})
	if err != nil {
		return nil, err
	}
	newState.Exited = rsp.Records
	rsp, err = st.List(&status.ListRequest{Queue: q.Name(), State: status.Killed, Limit: 10})
	if err != nil {
		return nil, err
	}
	newState.Killed = rsp.Records
	return newState, nil
}
