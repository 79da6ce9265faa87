package registry

import (
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/pkg/api"
)

// CheckNodeLiveness sweeps the fleet for nodes whose last heartbeat is older
// than the heartbeat timeout, marks them disconnected and reroutes their
// active tasks. Runs periodically under the background task manager.
//
// Already disconnected nodes are skipped so a node is only swept once; it
// rejoins the fleet by re-registering.
func (r *NodeRegistry) CheckNodeLiveness() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for _, node := range r.nodes {
		if node.Status == api.NodeDisconnected {
			continue
		}
		if now.Sub(node.LastHeartbeat) <= r.heartbeatTimeout {
			continue
		}

		log.Warnf("Node %s missed heartbeats for %v; marking it disconnected",
			node.Id, now.Sub(node.LastHeartbeat))
		node.Status = api.NodeDisconnected
		node.CurrentLoad = 0

		var orphaned []*api.Task
		for _, task := range r.tasks {
			if task.AssignedNode == node.Id && task.IsActive() {
				orphaned = append(orphaned, task)
			}
		}
		for _, task := range orphaned {
			r.reassignTask(task)
		}
	}
}
