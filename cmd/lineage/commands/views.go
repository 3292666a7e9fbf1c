package commands

import (
	"fmt"
	"strconv"

	"github.com/haivivi/lineage/pkg/cli"
	"github.com/haivivi/lineage/pkg/lineage"
	"github.com/haivivi/lineage/pkg/lineage/engine"
	"github.com/haivivi/lineage/pkg/lineage/query"
)

// textWidth caps text cells in table output.
const textWidth = 60

type sessionList []*lineage.Session

func (l sessionList) Table() *cli.Table {
	t := &cli.Table{Headers: []string{"ID", "CREATED", "NODES", "EDGES"}}
	for _, s := range l {
		t.Append(s.ID.String(), cli.FormatTime(s.CreatedAt),
			strconv.FormatInt(s.NodeCount, 10), strconv.FormatInt(s.EdgeCount, 10))
	}
	t.Footer = fmt.Sprintf("%d session(s)", len(l))
	return t
}

type nodeList []*lineage.Node

func (l nodeList) Table() *cli.Table {
	t := &cli.Table{Headers: []string{"SEQ", "ID", "KIND", "CREATED", "TEXT"}, MaxWidth: textWidth}
	for _, n := range l {
		t.Append(strconv.FormatUint(n.Seq, 10), n.ID.String(), n.Kind().String(),
			cli.FormatTime(n.CreatedAt), cli.OneLine(n.Text()))
	}
	t.Footer = fmt.Sprintf("%d node(s)", len(l))
	return t
}

type stepList []query.Step

func (l stepList) Table() *cli.Table {
	t := &cli.Table{Headers: []string{"DEPTH", "ID", "KIND", "VIA", "TEXT"}, MaxWidth: textWidth}
	for _, s := range l {
		via := "-"
		if !s.Via.Edge.IsZero() {
			via = string(s.Via.Kind)
		}
		t.Append(strconv.Itoa(s.Depth), s.Node.ID.String(), s.Node.Kind().String(), via, cli.OneLine(s.Node.Text()))
	}
	t.Footer = fmt.Sprintf("%d node(s)", len(l))
	return t
}

type report struct {
	*engine.Report `json:",inline" yaml:",inline"`
}

func (r report) Table() *cli.Table {
	t := &cli.Table{Headers: []string{"KIND", "SUBJECT", "DETAIL"}, MaxWidth: textWidth * 2}
	for _, d := range r.Discrepancies {
		t.Append(string(d.Kind), d.Subject, d.Detail)
	}
	t.Footer = fmt.Sprintf("%d session(s), %d node(s), %d edge(s), %d discrepancy(ies)",
		r.Sessions, r.Nodes, r.Edges, len(r.Discrepancies))
	return t
}
