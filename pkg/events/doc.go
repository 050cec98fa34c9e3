/*
Package events provides a prefix-addressed, in-memory pub/sub broker.

pkg/coordkv uses it to turn FSM-applied writes into an ordered watch
stream: every successful Apply publishes a WatchEvent, and
SubscribePrefix("assignments/") or SubscribePrefix("handoffs/42") receives
only the events under that prefix, in apply order.

Publish is non-blocking and best-effort per subscriber: a subscriber whose
buffer is full misses events rather than stalling the FSM apply path. Callers
that cannot afford a missed event re-read the keys they watch from the store;
pkg/assignment's pods and routers re-list their prefixes on a periodic resync.

# See Also

  - pkg/coordkv for the FSM that publishes through this broker
*/
package events
