package weft

import "errors"

// WriteEvent describes one write to a writable cell.
type WriteEvent struct {
	Node    NodeID
	Label   string
	Prev    any
	Next    any
	InBatch bool
}

// RecomputeResult classifies the outcome of one computation run.
type RecomputeResult string

const (
	RecomputeChanged   RecomputeResult = "changed"
	RecomputeUnchanged RecomputeResult = "unchanged"
	RecomputeFailed    RecomputeResult = "failed"
)

// RecomputeEvent describes one computation run, whether scheduled by
// propagation or pulled by a read.
type RecomputeEvent struct {
	Node   NodeID
	Label  string
	Result RecomputeResult
	Err    error // set when Result is RecomputeFailed
}

// NotifyEvent fires once per changed cell per committed cycle, after that
// cell's subscriber callbacks have run.
type NotifyEvent struct {
	Node  NodeID
	Label string
	Value any
}

// ErrorEvent describes an error surfaced to a caller. Code, Node, and Label
// are filled in when the error carries them.
type ErrorEvent struct {
	Code  ErrorCode
	Node  NodeID
	Label string
	Err   error
}

// DiscardEvent describes a superseded asynchronous result that was dropped
// without committing.
type DiscardEvent struct {
	Node       NodeID
	Label      string
	Generation int64 // the stale fetch's generation
	Current    int64 // the node's generation when the result arrived
}

// RemoveEvent describes a node leaving the graph.
type RemoveEvent struct {
	Node  NodeID
	Label string
}

// Interceptor observes store activity for persistence, logging, and audit
// layers. Every field is optional; nil hooks are skipped. Hooks run
// synchronously on the mutating call's stack in registration order. They
// must observe only: a hook that re-enters the store's write surface
// recurses into the write path it is observing.
//
// ForceSet and Restore bypass BeforeWrite and AfterWrite; every other hook
// fires regardless of how the activity was triggered.
type Interceptor struct {
	BeforeWrite func(*WriteEvent)
	AfterWrite  func(*WriteEvent)
	OnRecompute func(*RecomputeEvent)
	OnNotify    func(*NotifyEvent)
	OnError     func(*ErrorEvent)
	OnDiscard   func(*DiscardEvent)
	OnRemove    func(*RemoveEvent)
}

func (s *Store) hookBeforeWrite(ev *WriteEvent) {
	for i := range s.interceptors {
		if fn := s.interceptors[i].BeforeWrite; fn != nil {
			fn(ev)
		}
	}
}

func (s *Store) hookAfterWrite(ev *WriteEvent) {
	for i := range s.interceptors {
		if fn := s.interceptors[i].AfterWrite; fn != nil {
			fn(ev)
		}
	}
}

func (s *Store) hookRecompute(ev *RecomputeEvent) {
	for i := range s.interceptors {
		if fn := s.interceptors[i].OnRecompute; fn != nil {
			fn(ev)
		}
	}
}

func (s *Store) hookNotify(ev *NotifyEvent) {
	for i := range s.interceptors {
		if fn := s.interceptors[i].OnNotify; fn != nil {
			fn(ev)
		}
	}
}

func (s *Store) hookError(err error) {
	if err == nil || len(s.interceptors) == 0 {
		return
	}
	ev := &ErrorEvent{Err: err}
	var ge *GraphError
	if errors.As(err, &ge) {
		ev.Code = ge.Code
		ev.Node = ge.Node
		ev.Label = ge.Label
	}
	for i := range s.interceptors {
		if fn := s.interceptors[i].OnError; fn != nil {
			fn(ev)
		}
	}
}

func (s *Store) hookDiscard(ev *DiscardEvent) {
	for i := range s.interceptors {
		if fn := s.interceptors[i].OnDiscard; fn != nil {
			fn(ev)
		}
	}
}

func (s *Store) hookRemove(ev *RemoveEvent) {
	for i := range s.interceptors {
		if fn := s.interceptors[i].OnRemove; fn != nil {
			fn(ev)
		}
	}
}
