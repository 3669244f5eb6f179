package server

import "github.com/nats-io/nuid"

// idGenerator hands out opaque, process-unique client identifiers.
// nuid produces a 22-character identifier from a pre-seeded random prefix
// plus an incrementing counter, which is exactly the "unique per process
// lifetime" property Client.id (spec.md §3) requires without the
// contention a UUID-per-connection scheme would add under a busy
// accept loop.
type idGenerator struct {
	n *nuid.NUID
}

func newIDGenerator() *idGenerator {
	return &idGenerator{n: nuid.New()}
}

func (g *idGenerator) next() string {
	return g.n.Next()
}
