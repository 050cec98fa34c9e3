package assignment

import "fmt"

const (
	keyLeader          = "leader"
	keyTotalPartitions = "total_partitions"
	prefixPods         = "pods/"
	prefixRouters      = "routers/"
	prefixAssignments  = "assignments/"
	prefixHandoffs     = "handoffs/"
	prefixRouterAcks   = "router_acks/"
)

func podKey(id string) string              { return prefixPods + id }
func routerKey(id string) string           { return prefixRouters + id }
func assignmentKey(partition int) string   { return fmt.Sprintf("%s%d", prefixAssignments, partition) }
func handoffKey(partition int) string      { return fmt.Sprintf("%s%d", prefixHandoffs, partition) }
func routerAckPrefix(partition int) string { return fmt.Sprintf("%s%d/", prefixRouterAcks, partition) }
func routerAckKey(partition int, routerID string) string {
	return fmt.Sprintf("%s%s", routerAckPrefix(partition), routerID)
}

func trimPrefix(key, prefix string) string {
	return key[len(prefix):]
}
