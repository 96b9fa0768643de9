package orchestrator

import (
	"sort"

	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/chains"
)

// Router reports whether some adapter can bridge a route in one leg
type Router interface {
	Supports(route bridge.Route) bool
}

// HubTokens returns every hub symbol available on the given chains, ordered by chain id
func HubTokens(symbols []string, chainIDs []amount.ChainID) []amount.Token {
	ids := append([]amount.ChainID(nil), chainIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var hubs []amount.Token
	for _, symbol := range symbols {
		for _, id := range ids {
			if t, err := chains.Stablecoin(id, symbol); err == nil {
				hubs = append(hubs, t)
			}
		}
	}
	return hubs
}

// FindPath returns the shortest sequence of direct routes from -> to using at most maxLegs legs.
// Intermediate hops may only land on a hub token. Among paths of equal length the
// earlier hub wins, so the result is deterministic.
func FindPath(router Router, from, to amount.Token, hubs []amount.Token, maxLegs int) ([]bridge.Route, error) {
	if maxLegs < 1 {
		return nil, bridge.Wrap(bridge.ErrNoRouteAvailable, "max legs must be at least 1")
	}
	if router.Supports(bridge.Route{From: from, To: to}) {
		return []bridge.Route{{From: from, To: to}}, nil
	}
	if maxLegs == 1 {
		return nil, bridge.Wrap(bridge.ErrNoRouteAvailable, "no direct route %s -> %s", from, to)
	}

	type node struct {
		token amount.Token
		depth int
	}
	parent := map[string]amount.Token{}
	visited := map[string]bool{from.Key(): true}
	queue := []node{{token: from}}
	candidates := append([]amount.Token{to}, hubs...)

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range candidates {
			if visited[next.Key()] || next.Same(cur.token) {
				continue
			}
			if !router.Supports(bridge.Route{From: cur.token, To: next}) {
				continue
			}
			visited[next.Key()] = true
			parent[next.Key()] = cur.token
			if next.Same(to) {
				return unwind(parent, from, to), nil
			}
			// a hub is only worth expanding if one more leg still fits
			if cur.depth+2 <= maxLegs {
				queue = append(queue, node{token: next, depth: cur.depth + 1})
			}
		}
	}
	return nil, bridge.Wrap(bridge.ErrNoRouteAvailable, "no path %s -> %s within %d legs", from, to, maxLegs)
}

func unwind(parent map[string]amount.Token, from, to amount.Token) []bridge.Route {
	var routes []bridge.Route
	for cur := to; !cur.Same(from); {
		prev := parent[cur.Key()]
		routes = append([]bridge.Route{{From: prev, To: cur}}, routes...)
		cur = prev
	}
	return routes
}
