// Package hub provides MessageChannel, a small generic buffered-channel
// wrapper for fanning a typed stream out to a context-scoped consumer
// without the consumer blocking the producer; engine.Bus uses one per
// subscription.
//
// Once its context is cancelled, a MessageChannel's Send and Receive return
// the context's error; the channel itself is closed only by Close. It offers
// both blocking (Send/Receive) and non-blocking (TrySend/TryReceive) halves
// so a caller can choose whether a full buffer should apply backpressure or
// be dropped.
package hub
