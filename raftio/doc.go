/*
Package raftio defines the boundaries between the consensus engine of a data
node and the modules it relies on.

ILogDB persists the Raft state and log entries of the local replica,
ITransport and ISender move message batches between the members of a replica
group and IRaftEventListener is told about every leader change. The default
implementations are the pebble based logdb package and the HTTP transport
package, tests replace the transport with an in-memory network.
*/
package raftio
