package graph

import "github.com/google/uuid"

// MutationKind classifies structural changes.
type MutationKind int

const (
	// MutationAdded reports new nodes and values whose shapes were refined.
	MutationAdded MutationKind = iota
	// MutationRemoved reports detached nodes.
	MutationRemoved
	// MutationCompacted reports that every NodeID was renumbered.
	MutationCompacted
)

// String returns the kind name.
func (k MutationKind) String() string {
	switch k {
	case MutationAdded:
		return "added"
	case MutationRemoved:
		return "removed"
	case MutationCompacted:
		return "compacted"
	default:
		return "unknown"
	}
}

// Mutation describes one structural change.
type Mutation struct {
	Graph uuid.UUID
	Kind  MutationKind
	// Epoch is the graph epoch after the change.
	Epoch uint64
	Nodes []NodeID
	// Remap maps old to new IDs for MutationCompacted; removed nodes are absent.
	Remap map[NodeID]NodeID
}

// Observer receives mutation events after the mutation is committed.
// Observers run on the mutating goroutine and may query the graph.
type Observer interface {
	GraphMutated(m Mutation)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(m Mutation)

// GraphMutated calls f(m).
func (f ObserverFunc) GraphMutated(m Mutation) { f(m) }

type observerEntry struct {
	id  int
	obs Observer
}

// Observe registers o and returns a function that unregisters it.
func (g *Graph) Observe(o Observer) (cancel func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextObserver++
	id := g.nextObserver
	g.observers = append(g.observers, observerEntry{id: id, obs: o})
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		for i, e := range g.observers {
			if e.id == id {
				g.observers = append(g.observers[:i], g.observers[i+1:]...)
				return
			}
		}
	}
}

// snapshotObservers must be called with g.mu held.
func (g *Graph) snapshotObservers() []Observer {
	out := make([]Observer, len(g.observers))
	for i, e := range g.observers {
		out[i] = e.obs
	}
	return out
}

func notify(observers []Observer, m Mutation) {
	for _, o := range observers {
		o.GraphMutated(m)
	}
}
