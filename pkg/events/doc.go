/*
Package events is the in-process event broker: layout lifecycle, node
reachability, sync divergence, and tombstone GC events fan out to
subscribers over buffered channels. Delivery is best-effort; a slow
subscriber loses events rather than blocking the publisher.
*/
package events
