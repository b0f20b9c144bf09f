// Package memorytransport provides an in-process implementation of
// cluster.Transport backed by a shared registry. It is suitable for tests and
// single-process examples; delivery is synchronous on the sender's goroutine,
// which makes replication tests deterministic.
package memorytransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/sessionmesh/sessionmesh/cluster"
)

// Cluster is the shared registry the node transports hang off.
type Cluster struct {
	mu    sync.RWMutex
	nodes map[string]*Transport
}

// NewCluster creates an empty in-process cluster.
func NewCluster() *Cluster {
	return &Cluster{nodes: make(map[string]*Transport)}
}

// Join adds a node and returns its transport. Joining an existing name
// replaces the previous node.
func (c *Cluster) Join(name, domain string) *Transport {
	t := &Transport{
		cluster: c,
		member:  cluster.Member{Name: name, Domain: domain},
	}
	c.mu.Lock()
	c.nodes[name] = t
	c.mu.Unlock()
	return t
}

// Leave removes a node from the cluster.
func (c *Cluster) Leave(name string) {
	c.mu.Lock()
	delete(c.nodes, name)
	c.mu.Unlock()
}

func (c *Cluster) others(name string) []*Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Transport, 0, len(c.nodes))
	for n, t := range c.nodes {
		if n != name {
			out = append(out, t)
		}
	}
	return out
}

// Transport implements cluster.Transport for one in-process node.
type Transport struct {
	cluster *Cluster
	member  cluster.Member

	mu      sync.RWMutex
	handler cluster.Handler
}

var _ cluster.Transport = (*Transport)(nil)

func (t *Transport) SetHandler(h cluster.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) LocalMember() cluster.Member { return t.member }

func (t *Transport) Members() []cluster.Member {
	peers := t.cluster.others(t.member.Name)
	out := make([]cluster.Member, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.member)
	}
	return out
}

func (t *Transport) Send(ctx context.Context, msg cluster.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range t.cluster.others(t.member.Name) {
		p.deliver(msg)
	}
	return nil
}

func (t *Transport) SendTo(ctx context.Context, msg cluster.Message, target cluster.Member) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.cluster.mu.RLock()
	p, ok := t.cluster.nodes[target.Name]
	t.cluster.mu.RUnlock()
	if !ok {
		return fmt.Errorf("member %q not in cluster", target.Name)
	}
	p.deliver(msg)
	return nil
}

func (t *Transport) SendToDomain(ctx context.Context, msg cluster.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range t.cluster.others(t.member.Name) {
		if p.member.Domain == t.member.Domain {
			p.deliver(msg)
		}
	}
	return nil
}

func (t *Transport) deliver(msg cluster.Message) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h != nil {
		h.MessageReceived(msg)
	}
}
