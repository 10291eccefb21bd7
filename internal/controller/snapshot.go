package controller

import (
	"fmt"

	"rfrp/internal/control"
	"rfrp/internal/model"
)

// BuildProxyUpdate groups a client's enabled proxies by effective node id
// and attaches each group's node tunnel address/port/protocol so the
// Client can dial it directly.
func BuildProxyUpdate(store Store, client *model.Client) (control.ProxyUpdate, error) {
	proxies := store.ProxiesForClient(client.ID)

	groups := map[int64][]control.ProxyConfig{}
	for _, p := range proxies {
		nodeID := p.NodeID
		if nodeID == 0 {
			if len(client.AssignedNodeIDs) == 0 {
				continue
			}
			nodeID = client.AssignedNodeIDs[0]
		}
		groups[nodeID] = append(groups[nodeID], control.ProxyConfig{
			ProxyID:    p.ID,
			ClientID:   p.ClientID,
			Type:       p.Type,
			LocalIP:    p.LocalIP,
			LocalPort:  p.LocalPort,
			RemotePort: p.RemotePort,
		})
	}

	update := control.ProxyUpdate{ClientID: client.ID, ClientName: client.Name}
	for nodeID, configs := range groups {
		node, ok := store.Node(nodeID)
		if !ok {
			continue
		}
		update.ServerGroups = append(update.ServerGroups, control.ProxyGroup{
			NodeID:     nodeID,
			ServerAddr: nodeTunnelHost(node),
			ServerPort: node.TunnelListenPort,
			Protocol:   node.Protocol,
			Proxies:    configs,
		})
	}
	return update, nil
}

func nodeTunnelHost(node *model.Node) string {
	if node.PublicIP != "" {
		return node.PublicIP
	}
	return fmt.Sprintf("node-%d.invalid", node.ID)
}
