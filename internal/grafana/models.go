package grafana

import (
	"encoding/json"
	"fmt"

	"grafcon/internal/report"
)

// searchHit is one result of the /api/search endpoint.
type searchHit struct {
	Title string `json:"title"`
	UID   string `json:"uid"`
	URL   string `json:"url"`
}

// dashboardEnvelope wraps the /api/dashboards/uid/<uid> response.
type dashboardEnvelope struct {
	Dashboard json.RawMessage `json:"dashboard"`
}

// panelNode is a node of the dashboard's panel tree. Rows carry their
// children in Panels.
type panelNode struct {
	ID     int         `json:"id"`
	Type   string      `json:"type"`
	Title  string      `json:"title"`
	Panels []panelNode `json:"panels"`
}

// bootData is the subset of window.grafanaBootData the readiness detector
// needs: the base URL of every configured data source. Parsed with YAML so
// the embedded object literal doesn't have to be strict JSON.
type bootData struct {
	Settings struct {
		Datasources map[string]struct {
			URL string `yaml:"url"`
		} `yaml:"datasources"`
	} `yaml:"settings"`
}

// snapshotResponse is the /api/snapshots creation result.
type snapshotResponse struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// PanelsFromDashboard flattens the dashboard's panel tree into panel stubs
// in depth-first document order, each pre-sized with one link slot per
// timepoint. The tree can nest rows inside rows; the walk is iterative so
// dashboard depth is not bound by the call stack.
func PanelsFromDashboard(dashboard json.RawMessage, timepointCount int) ([]report.Panel, error) {
	var tree struct {
		Panels []panelNode `json:"panels"`
	}
	if err := json.Unmarshal(dashboard, &tree); err != nil {
		return nil, fmt.Errorf("parse dashboard definition: %w", err)
	}

	var panels []report.Panel
	for _, node := range flattenPanels(tree.Panels) {
		title := node.Title
		if title == "" {
			title = "Row"
		}
		panels = append(panels, report.NewPanel(node.ID, node.Type, title, timepointCount))
	}
	return panels, nil
}

func flattenPanels(nodes []panelNode) []panelNode {
	var out []panelNode

	stack := make([]panelNode, 0, len(nodes))
	for i := len(nodes) - 1; i >= 0; i-- {
		stack = append(stack, nodes[i])
	}

	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if len(node.Panels) > 0 {
			for i := len(node.Panels) - 1; i >= 0; i-- {
				stack = append(stack, node.Panels[i])
			}
			continue
		}
		out = append(out, node)
	}

	return out
}
