package engine

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/haivivi/lineage/pkg/lineage"
	"github.com/haivivi/lineage/pkg/lineage/store"
)

// CreateSession creates an empty session with the given metadata and
// returns it.
func (e *Engine) CreateSession(ctx context.Context, metadata lineage.Metadata) (_ *lineage.Session, err error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	defer e.metrics.observe("create_session", time.Now(), &err)
	e.admin.RLock()
	defer e.admin.RUnlock()

	ctx, cancel := e.timeout(ctx)
	defer cancel()

	id := lineage.NewSessionID()
	unlock := e.locks.lock(id)
	defer unlock()

	seq, err := e.backend.NextSeq(ctx)
	if err != nil {
		return nil, err
	}
	root := &lineage.Node{
		ID:        id.Node(),
		Seq:       seq,
		CreatedAt: lineage.Now(),
		Metadata:  normalize(metadata),
		Body:      &lineage.SessionRoot{},
	}
	err = e.backend.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutNode(root); err != nil {
			return err
		}
		return tx.PutSessionState(id, &store.SessionState{})
	})
	if err != nil {
		return nil, err
	}

	s := &lineage.Session{ID: id, CreatedAt: root.CreatedAt, Metadata: root.Metadata.Clone()}
	e.cache.put(s)
	e.logger.Debug("session created", "session", id)
	return s, nil
}

// GetSession returns the session with id, or nil, nil if there is none.
// Lookups are served from the session cache when possible; the returned
// value is a copy the caller may modify.
func (e *Engine) GetSession(ctx context.Context, id lineage.SessionID) (*lineage.Session, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if s, ok := e.cache.get(id); ok {
		e.metrics.cacheLookup(true)
		return s, nil
	}
	e.metrics.cacheLookup(false)

	// The load is shared by every caller waiting on id and runs detached
	// from any one caller's context; each caller stops waiting when its
	// own context ends.
	loaded := e.loads.DoChan(id.String(), func() (any, error) {
		// A repair drops and rebuilds the aggregates and clears the cache.
		e.admin.RLock()
		defer e.admin.RUnlock()
		unlock := e.locks.lock(id)
		defer unlock()
		// A writer may have filled the entry while we waited.
		if s, ok := e.cache.get(id); ok {
			return s, nil
		}
		ctx, cancel := e.timeout(context.WithoutCancel(ctx))
		defer cancel()
		s, err := e.loadSession(ctx, id)
		if err != nil || s == nil {
			return s, err
		}
		e.cache.put(s)
		return s, nil
	})
	select {
	case <-ctx.Done():
		return nil, lineage.Storage("get session", ctx.Err())
	case r := <-loaded:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*lineage.Session).Clone(), nil
	}
}

// loadSession assembles a session view from storage.
func (e *Engine) loadSession(ctx context.Context, id lineage.SessionID) (*lineage.Session, error) {
	root, err := e.backend.GetNode(ctx, id.Node())
	if err != nil {
		return nil, err
	}
	if root == nil || root.Kind() != lineage.KindSession {
		return nil, nil
	}
	st, err := e.backend.GetSessionState(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, lineage.Inconsistent(id, "session has no aggregate record")
	}
	return &lineage.Session{
		ID:        id,
		CreatedAt: root.CreatedAt,
		Metadata:  root.Metadata,
		NodeCount: st.NodeCount,
		EdgeCount: st.EdgeCount,
	}, nil
}

// Sessions yields every session.
func (e *Engine) Sessions(ctx context.Context) iter.Seq2[*lineage.Session, error] {
	return func(yield func(*lineage.Session, error) bool) {
		for id, err := range guard(ctx, e, e.backend.Sessions) {
			if err != nil {
				yield(nil, err)
				return
			}
			s, err := e.GetSession(ctx, id)
			if err == nil && s == nil {
				err = lineage.Inconsistent(id, "aggregate record without session root")
			}
			if !yield(s, err) || err != nil {
				return
			}
		}
	}
}

// Stats returns the tracked aggregates of session. It fails with
// lineage.ErrNotFound if the session does not exist.
func (e *Engine) Stats(ctx context.Context, session lineage.SessionID) (lineage.SessionStats, error) {
	if err := e.check(); err != nil {
		return lineage.SessionStats{}, err
	}
	e.admin.RLock()
	defer e.admin.RUnlock()
	ctx, cancel := e.timeout(ctx)
	defer cancel()
	st, err := e.backend.GetSessionState(ctx, session)
	if err != nil {
		return lineage.SessionStats{}, err
	}
	if st == nil {
		return lineage.SessionStats{}, fmt.Errorf("%w: session %s", lineage.ErrNotFound, session)
	}
	return lineage.SessionStats{
		Session:   session,
		NodeCount: st.NodeCount,
		EdgeCount: st.EdgeCount,
		Head:      st.Head,
		Tail:      st.Tail,
	}, nil
}

// sessionOf resolves the session a node belongs to: a session root
// belongs to itself, any other node to the target of its HandledBy link.
func (e *Engine) sessionOf(ctx context.Context, n *lineage.Node) (lineage.SessionID, error) {
	if n.Kind() == lineage.KindSession {
		return n.ID.Session(), nil
	}
	for l, err := range e.backend.Outgoing(ctx, n.ID, lineage.HandledBy) {
		if err != nil {
			return lineage.SessionID{}, err
		}
		return l.To.Session(), nil
	}
	return lineage.SessionID{}, lineage.Inconsistent(n.ID, "%s has no session link", n.Kind())
}

// normalize maps empty metadata to nil so stored and returned values agree.
func normalize(md lineage.Metadata) lineage.Metadata {
	if len(md) == 0 {
		return nil
	}
	return md.Clone()
}
