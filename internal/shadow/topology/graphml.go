package topology

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shadow-sim/shadow/internal/shadow/event"
	"github.com/shadow-sim/shadow/internal/shadow/serrors"
)

// The GraphML topology document itself is an external collaborator (§1
// Non-goals): the full GraphML schema (typed <key> declarations,
// yfiles/graphml-attributes extensions, nested graphs) is out of scope.
// LoadGraphML reads the minimal subset this simulator actually consumes:
// one flat <graph> of <node id=...> and <edge source= target=> elements,
// each edge carrying "latencyns" and "droprate" <data key=...> children.
type graphmlDoc struct {
	XMLName xml.Name       `xml:"graphml"`
	Graph   graphmlGraph   `xml:"graph"`
}

type graphmlGraph struct {
	Nodes []graphmlNode `xml:"node"`
	Edges []graphmlEdge `xml:"edge"`
}

type graphmlNode struct {
	ID string `xml:"id,attr"`
}

type graphmlEdge struct {
	Source string        `xml:"source,attr"`
	Target string        `xml:"target,attr"`
	Data   []graphmlData `xml:"data"`
}

type graphmlData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

func (e graphmlEdge) value(key string) (string, bool) {
	for _, d := range e.Data {
		if d.Key == key {
			return d.Value, true
		}
	}
	return "", false
}

// LoadGraphML parses r and returns a populated Topology plus the
// id->HostID assignment order callers need to register hosts in (§2:
// "at boot, each host registers addresses with the Resolver and attaches
// to the Topology"). Host ids are assigned densely starting at 0, in
// document node order.
func LoadGraphML(r io.Reader) (*Topology, map[string]event.HostID, error) {
	var doc graphmlDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("parse topology graphml: %w: %w", err, serrors.ErrConfig)
	}

	ids := make(map[string]event.HostID, len(doc.Graph.Nodes))
	t := New()
	for i, n := range doc.Graph.Nodes {
		id := event.HostID(i)
		ids[n.ID] = id
		t.AddHost(id)
	}

	for _, e := range doc.Graph.Edges {
		src, ok := ids[e.Source]
		if !ok {
			return nil, nil, fmt.Errorf("topology edge references unknown node %q: %w", e.Source, serrors.ErrConfig)
		}
		dst, ok := ids[e.Target]
		if !ok {
			return nil, nil, fmt.Errorf("topology edge references unknown node %q: %w", e.Target, serrors.ErrConfig)
		}

		var edge Edge
		if v, ok := e.value("latencyns"); ok {
			ns, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("topology edge %s->%s: bad latencyns %q: %w", e.Source, e.Target, v, serrors.ErrConfig)
			}
			edge.Latency = time.Duration(ns)
		}
		if v, ok := e.value("droprate"); ok {
			rate, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("topology edge %s->%s: bad droprate %q: %w", e.Source, e.Target, v, serrors.ErrConfig)
			}
			edge.DropRate = rate
		}
		t.AddEdge(src, dst, edge)
	}

	return t, ids, nil
}
